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

type Customer struct {
	ID               int             `gorm:"primary_key" json:"id"`
	BusinessId       string          `gorm:"index;not null" json:"business_id" binding:"required"`
	CustomerNumber   string          `gorm:"size:20;index" json:"customer_number"`
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

// GetCustomerById scopes by business id; returns utils.ErrorRecordNotFound
// when missing.
func GetCustomerById(ctx context.Context, businessId string, id int) (*Customer, error) {
	db := config.GetDB()
	var customer Customer
	if err := db.WithContext(ctx).
		Where("id = ? AND business_id = ?", id, businessId).
		Take(&customer).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &customer, nil
}

func FindCustomerByNumber(ctx context.Context, tx *gorm.DB, businessId string, number string) (*Customer, error) {
	var customer Customer
	err := tx.WithContext(ctx).
		Where("business_id = ? AND customer_number = ?", businessId, number).
		Take(&customer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &customer, nil
}
