package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Payment struct {
	ID            int             `gorm:"primary_key" json:"id"`
	BusinessId    string          `gorm:"index;not null" json:"business_id" binding:"required"`
	PaymentNumber string          `gorm:"size:30;index" json:"payment_number"`
	InvoiceId     int             `gorm:"index;not null" json:"invoice_id"`
	PaymentDate   time.Time       `json:"payment_date"`
	Amount        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
	Reference     string          `gorm:"size:100" json:"reference"`
	Status        PaymentStatus   `gorm:"type:enum('COMPLETED','VOIDED');not null;default:'COMPLETED'" json:"status"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// ComputePaymentState derives paid/due amounts and the invoice status from the
// full payment set. Voided payments do not count. Pure; safe to re-run.
func ComputePaymentState(total decimal.Decimal, status InvoiceStatus, payments []Payment) (paid decimal.Decimal, due decimal.Decimal, newStatus InvoiceStatus) {
	paid = decimal.Zero
	for _, p := range payments {
		if p.Status != PaymentStatusCompleted {
			continue
		}
		paid = paid.Add(p.Amount)
	}
	due = total.Sub(paid)
	if due.IsNegative() {
		due = decimal.Zero
	}

	// Void invoices keep their status regardless of payment history.
	if status == InvoiceStatusVoid {
		return paid, due, status
	}

	switch {
	case paid.IsZero():
		newStatus = InvoiceStatusDraft
	case paid.GreaterThanOrEqual(total):
		newStatus = InvoiceStatusPaid
	default:
		newStatus = InvoiceStatusPartial
	}
	return paid, due, newStatus
}

// RecomputeInvoicePaymentState reloads every payment against the invoice and
// rewrites amount_paid/amount_due/status from scratch. Must run inside the
// caller's transaction so a payment upsert and the recompute commit together.
func RecomputeInvoicePaymentState(ctx context.Context, tx *gorm.DB, businessId string, invoiceId int) error {
	var invoice Invoice
	if err := tx.WithContext(ctx).
		Where("id = ? AND business_id = ?", invoiceId, businessId).
		Take(&invoice).Error; err != nil {
		return err
	}

	var payments []Payment
	if err := tx.WithContext(ctx).
		Where("business_id = ? AND invoice_id = ?", businessId, invoiceId).
		Order("id").
		Find(&payments).Error; err != nil {
		return err
	}

	paid, due, status := ComputePaymentState(invoice.Total, invoice.Status, payments)

	return tx.WithContext(ctx).Model(&Invoice{}).
		Where("id = ?", invoice.ID).
		Updates(map[string]interface{}{
			"amount_paid": paid,
			"amount_due":  due,
			"status":      status,
		}).Error
}
