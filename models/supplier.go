package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/buildflow_backend/config"
	"github.com/mmdatafocus/buildflow_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Supplier struct {
	ID               int             `gorm:"primary_key" json:"id"`
	BusinessId       string          `gorm:"index;not null" json:"business_id" binding:"required"`
	SupplierNumber   string          `gorm:"size:20;index" json:"supplier_number"`
	Name             string          `gorm:"size:100;not null" json:"name" binding:"required"`
	Email            string          `gorm:"size:100" json:"email"`
	Phone            string          `gorm:"size:30" json:"phone"`
	Mobile           string          `gorm:"size:30" json:"mobile"`
	TaxNumber        string          `gorm:"size:50" json:"tax_number"`
	AddressLine1     string          `gorm:"size:255" json:"address_line1"`
	AddressLine2     string          `gorm:"size:255" json:"address_line2"`
	City             string          `gorm:"size:100" json:"city"`
	Region           string          `gorm:"size:100" json:"region"`
	PostalCode       string          `gorm:"size:20" json:"postal_code"`
	Country          string          `gorm:"size:100" json:"country"`
	Notes            string          `gorm:"type:text" json:"notes"`
	CreditLimit      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"credit_limit"`
	PaymentTermsDays int             `gorm:"default:0" json:"payment_terms_days"`
	IsActive         *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetSupplierById(ctx context.Context, businessId string, id int) (*Supplier, error) {
	db := config.GetDB()
	var supplier Supplier
	if err := db.WithContext(ctx).
		Where("id = ? AND business_id = ?", id, businessId).
		Take(&supplier).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &supplier, nil
}

func FindSupplierByNumber(ctx context.Context, tx *gorm.DB, businessId string, number string) (*Supplier, error) {
	var supplier Supplier
	err := tx.WithContext(ctx).
		Where("business_id = ? AND supplier_number = ?", businessId, number).
		Take(&supplier).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &supplier, nil
}
