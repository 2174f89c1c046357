package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Invoice struct {
	ID            int              `gorm:"primary_key" json:"id"`
	BusinessId    string           `gorm:"index;not null" json:"business_id" binding:"required"`
	InvoiceNumber string           `gorm:"size:30;index" json:"invoice_number"`
	Reference     string           `gorm:"size:100" json:"reference"`
	ContactType   ContactType      `gorm:"type:enum('customer','supplier');not null;default:'customer'" json:"contact_type"`
	CustomerId    int              `gorm:"index;default:0" json:"customer_id"`
	SupplierId    int              `gorm:"index;default:0" json:"supplier_id"`
	InvoiceDate   time.Time        `json:"invoice_date"`
	DueDate       *time.Time       `json:"due_date"`
	CurrencyCode  string           `gorm:"size:10" json:"currency_code"`
	SubTotal      decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"sub_total"`
	TaxTotal      decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"tax_total"`
	Total         decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"total"`
	AmountPaid    decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"amount_paid"`
	AmountDue     decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"amount_due"`
	Status        InvoiceStatus    `gorm:"type:enum('DRAFT','PARTIAL','PAID','VOID');not null;default:'DRAFT'" json:"status"`
	Notes         string           `gorm:"type:text" json:"notes"`
	Details       []*InvoiceDetail `json:"details"`
	CreatedAt     time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

type InvoiceDetail struct {
	ID          int             `gorm:"primary_key" json:"id"`
	InvoiceId   int             `gorm:"index;not null" json:"invoice_id"`
	Description string          `gorm:"size:500" json:"description"`
	Quantity    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity"`
	UnitAmount  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_amount"`
	TaxAmount   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"tax_amount"`
	LineAmount  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"line_amount"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
