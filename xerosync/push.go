package xerosync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/buildflow_backend/config"
	"github.com/mmdatafocus/buildflow_backend/models"
	"gorm.io/gorm"
)

// Push payload shapes. Remote-owned fields are deliberately absent: the
// remote keeps authority over them, so a push never writes tax_number.
type xeroContactPayload struct {
	ContactID    string        `json:"ContactID,omitempty"`
	Name         string        `json:"Name"`
	EmailAddress string        `json:"EmailAddress,omitempty"`
	Phones       []XeroPhone   `json:"Phones,omitempty"`
	Addresses    []XeroAddress `json:"Addresses,omitempty"`
}

type xeroInvoicePayload struct {
	InvoiceID     string         `json:"InvoiceID,omitempty"`
	Type          string         `json:"Type"`
	Contact       XeroContactRef `json:"Contact"`
	InvoiceNumber string         `json:"InvoiceNumber,omitempty"`
	Reference     string         `json:"Reference,omitempty"`
	Date          string         `json:"Date"`
	DueDate       string         `json:"DueDate,omitempty"`
	CurrencyCode  string         `json:"CurrencyCode,omitempty"`
	Status        string         `json:"Status"`
	LineItems     []XeroLineItem `json:"LineItems"`
}

type xeroPaymentPayload struct {
	Invoice   XeroInvoiceRef `json:"Invoice"`
	Date      string         `json:"Date"`
	Amount    string         `json:"Amount"`
	Reference string         `json:"Reference,omitempty"`
}

func contactPayloadFromCanonical(xeroId string, c Canonical) xeroContactPayload {
	payload := xeroContactPayload{
		ContactID:    xeroId,
		Name:         c["name"],
		EmailAddress: c["email"],
	}
	if c["phone"] != "" {
		payload.Phones = append(payload.Phones, XeroPhone{PhoneType: "DEFAULT", PhoneNumber: c["phone"]})
	}
	if c["mobile"] != "" {
		payload.Phones = append(payload.Phones, XeroPhone{PhoneType: "MOBILE", PhoneNumber: c["mobile"]})
	}
	payload.Addresses = append(payload.Addresses, XeroAddress{
		AddressType:  "STREET",
		AddressLine1: c["address_line1"],
		AddressLine2: c["address_line2"],
		City:         c["city"],
		Region:       c["region"],
		PostalCode:   c["postal_code"],
		Country:      c["country"],
	})
	return payload
}

/* Contacts */

func (j *syncJob) pushContacts(ctx context.Context) error {
	db := config.GetDB()

	var customers []models.Customer
	if err := db.WithContext(ctx).
		Where("business_id = ?", j.run.BusinessId).
		Order("id").
		Find(&customers).Error; err != nil {
		return err
	}
	for i := range customers {
		if err := j.checkAbort(ctx); err != nil {
			return err
		}
		j.counters.Fetched++
		j.pushOneContact(ctx, models.SyncEntityCustomer, customers[i].ID, ContactCanonicalFromCustomer(customers[i]), customers[i].UpdatedAt)
		j.progress.Progress(ctx, j.run, *j.counters)
	}

	var suppliers []models.Supplier
	if err := db.WithContext(ctx).
		Where("business_id = ?", j.run.BusinessId).
		Order("id").
		Find(&suppliers).Error; err != nil {
		return err
	}
	for i := range suppliers {
		if err := j.checkAbort(ctx); err != nil {
			return err
		}
		j.counters.Fetched++
		j.pushOneContact(ctx, models.SyncEntitySupplier, suppliers[i].ID, ContactCanonicalFromSupplier(suppliers[i]), suppliers[i].UpdatedAt)
		j.progress.Progress(ctx, j.run, *j.counters)
	}
	return nil
}

func (j *syncJob) pushOneContact(ctx context.Context, entityType string, localId int, canonical Canonical, localModified time.Time) {
	err := j.inRecordTx(ctx, func(tx *gorm.DB) error {
		state, err := findStateByLocal(ctx, tx, j.run.BusinessId, entityType, localId)
		if err != nil {
			return err
		}
		localHash := HashCanonical(canonical)
		if shouldSkipLocal(state, localHash) {
			j.counters.Skipped++
			return nil
		}
		if state != nil && state.Status == models.SyncStateConflict {
			// Conflicted rows wait for an operator decision.
			j.counters.Conflicts++
			return nil
		}

		xeroId := ""
		operation := models.SyncOperationCreate
		if state != nil {
			xeroId = state.XeroId
			operation = models.SyncOperationUpdate
		}

		payload := contactPayloadFromCanonical(xeroId, canonical)
		if j.run.DryRun {
			if operation == models.SyncOperationCreate {
				j.counters.Created++
			} else {
				j.counters.Updated++
			}
			return j.writeLog(ctx, tx, entityType, localId, xeroId, operation, nil, payload, localHash)
		}

		raw, err := j.client.put(ctx, "/Contacts", map[string]interface{}{
			"Contacts": []xeroContactPayload{payload},
		})
		if err != nil {
			return err
		}
		remote, err := firstContact(raw)
		if err != nil {
			return err
		}
		remoteHash := HashCanonical(ContactCanonicalFromRemote(remote))
		remoteModified, ok := ParseXeroTime(remote.UpdatedDateUTC)
		if !ok {
			remoteModified = time.Now().UTC()
		}
		if _, err := recordSynced(ctx, tx, state, j.run.BusinessId, entityType, localId, remote.ContactID, localHash, remoteHash, localModified, remoteModified, models.SyncOriginLocal); err != nil {
			return err
		}
		if operation == models.SyncOperationCreate {
			j.counters.Created++
		} else {
			j.counters.Updated++
		}
		return j.writeLog(ctx, tx, entityType, localId, remote.ContactID, operation, nil, payload, localHash)
	})
	if err != nil {
		j.recordError(ctx, entityType, "", "push_failed", err.Error(), nil, true)
	}
}

func firstContact(raw json.RawMessage) (XeroContact, error) {
	var parsed struct {
		Contacts []XeroContact `json:"Contacts"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return XeroContact{}, err
	}
	if len(parsed.Contacts) == 0 {
		return XeroContact{}, errors.New("xero response contained no contact")
	}
	return parsed.Contacts[0], nil
}

/* Invoices */

func (j *syncJob) pushInvoices(ctx context.Context) error {
	db := config.GetDB()
	var invoices []models.Invoice
	if err := db.WithContext(ctx).
		Preload("Details").
		Where("business_id = ?", j.run.BusinessId).
		Order("id").
		Find(&invoices).Error; err != nil {
		return err
	}
	for i := range invoices {
		if err := j.checkAbort(ctx); err != nil {
			return err
		}
		j.counters.Fetched++
		j.pushOneInvoice(ctx, invoices[i])
		j.progress.Progress(ctx, j.run, *j.counters)
	}
	return nil
}

func (j *syncJob) pushOneInvoice(ctx context.Context, invoice models.Invoice) {
	err := j.inRecordTx(ctx, func(tx *gorm.DB) error {
		businessId := j.run.BusinessId
		state, err := findStateByLocal(ctx, tx, businessId, models.SyncEntityInvoice, invoice.ID)
		if err != nil {
			return err
		}

		// The invoice contact must already exist remotely.
		contactEntity := models.SyncEntityCustomer
		contactId := invoice.CustomerId
		if invoice.ContactType == models.ContactTypeSupplier {
			contactEntity = models.SyncEntitySupplier
			contactId = invoice.SupplierId
		}
		contactState, err := findStateByLocal(ctx, tx, businessId, contactEntity, contactId)
		if err != nil {
			return err
		}
		if contactState == nil {
			return fmt.Errorf("%w: %s %d", errContactNotSynced, contactEntity, contactId)
		}

		localHash := HashCanonical(InvoiceCanonicalFromLocal(invoice, contactState.XeroId))
		if shouldSkipLocal(state, localHash) {
			j.counters.Skipped++
			return nil
		}
		if state != nil && state.Status == models.SyncStateConflict {
			j.counters.Conflicts++
			return nil
		}

		invType := "ACCREC"
		if invoice.ContactType == models.ContactTypeSupplier {
			invType = "ACCPAY"
		}
		status := "AUTHORISED"
		if invoice.Status == models.InvoiceStatusVoid {
			status = "VOIDED"
		}
		lineItems := make([]XeroLineItem, 0, len(invoice.Details))
		for _, d := range invoice.Details {
			lineItems = append(lineItems, XeroLineItem{
				Description: d.Description,
				Quantity:    json.Number(d.Quantity.String()),
				UnitAmount:  json.Number(d.UnitAmount.String()),
				TaxAmount:   json.Number(d.TaxAmount.String()),
				LineAmount:  json.Number(d.LineAmount.String()),
			})
		}
		payload := xeroInvoicePayload{
			Type:          invType,
			Contact:       XeroContactRef{ContactID: contactState.XeroId},
			InvoiceNumber: invoice.InvoiceNumber,
			Reference:     invoice.Reference,
			Date:          invoice.InvoiceDate.UTC().Format("2006-01-02"),
			CurrencyCode:  invoice.CurrencyCode,
			Status:        status,
			LineItems:     lineItems,
		}
		if invoice.DueDate != nil {
			payload.DueDate = invoice.DueDate.UTC().Format("2006-01-02")
		}
		operation := models.SyncOperationCreate
		if state != nil {
			payload.InvoiceID = state.XeroId
			operation = models.SyncOperationUpdate
		}

		if j.run.DryRun {
			if operation == models.SyncOperationCreate {
				j.counters.Created++
			} else {
				j.counters.Updated++
			}
			return j.writeLog(ctx, tx, models.SyncEntityInvoice, invoice.ID, payload.InvoiceID, operation, nil, payload, localHash)
		}

		raw, err := j.client.put(ctx, "/Invoices", map[string]interface{}{
			"Invoices": []xeroInvoicePayload{payload},
		})
		if err != nil {
			return err
		}
		remote, err := firstInvoice(raw)
		if err != nil {
			return err
		}
		remoteHash := HashCanonical(InvoiceCanonicalFromRemote(remote))
		remoteModified, ok := ParseXeroTime(remote.UpdatedDateUTC)
		if !ok {
			remoteModified = time.Now().UTC()
		}
		if _, err := recordSynced(ctx, tx, state, businessId, models.SyncEntityInvoice, invoice.ID, remote.InvoiceID, localHash, remoteHash, invoice.UpdatedAt, remoteModified, models.SyncOriginLocal); err != nil {
			return err
		}
		if operation == models.SyncOperationCreate {
			j.counters.Created++
		} else {
			j.counters.Updated++
		}
		return j.writeLog(ctx, tx, models.SyncEntityInvoice, invoice.ID, remote.InvoiceID, operation, nil, payload, localHash)
	})
	if err != nil {
		if errors.Is(err, errContactNotSynced) {
			j.recordError(ctx, models.SyncEntityInvoice, "", "contact_not_synced", err.Error(), nil, true)
			return
		}
		j.recordError(ctx, models.SyncEntityInvoice, "", "push_failed", err.Error(), nil, true)
	}
}

func firstInvoice(raw json.RawMessage) (XeroInvoice, error) {
	var parsed struct {
		Invoices []XeroInvoice `json:"Invoices"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return XeroInvoice{}, err
	}
	if len(parsed.Invoices) == 0 {
		return XeroInvoice{}, errors.New("xero response contained no invoice")
	}
	return parsed.Invoices[0], nil
}

/* Payments */

// Xero payments cannot be amended in place, so the push side only creates
// payments that have never synced. Everything else is skipped.
func (j *syncJob) pushPayments(ctx context.Context) error {
	db := config.GetDB()
	var payments []models.Payment
	if err := db.WithContext(ctx).
		Where("business_id = ? AND status = ?", j.run.BusinessId, models.PaymentStatusCompleted).
		Order("id").
		Find(&payments).Error; err != nil {
		return err
	}
	for i := range payments {
		if err := j.checkAbort(ctx); err != nil {
			return err
		}
		j.counters.Fetched++
		j.pushOnePayment(ctx, payments[i])
		j.progress.Progress(ctx, j.run, *j.counters)
	}
	return nil
}

func (j *syncJob) pushOnePayment(ctx context.Context, payment models.Payment) {
	err := j.inRecordTx(ctx, func(tx *gorm.DB) error {
		businessId := j.run.BusinessId
		state, err := findStateByLocal(ctx, tx, businessId, models.SyncEntityPayment, payment.ID)
		if err != nil {
			return err
		}
		if state != nil {
			j.counters.Skipped++
			return nil
		}

		invoiceState, err := findStateByLocal(ctx, tx, businessId, models.SyncEntityInvoice, payment.InvoiceId)
		if err != nil {
			return err
		}
		if invoiceState == nil {
			return fmt.Errorf("%w: invoice %d", errInvoiceNotSynced, payment.InvoiceId)
		}

		localHash := HashCanonical(PaymentCanonicalFromLocal(payment, invoiceState.XeroId))
		payload := xeroPaymentPayload{
			Invoice:   XeroInvoiceRef{InvoiceID: invoiceState.XeroId},
			Date:      payment.PaymentDate.UTC().Format("2006-01-02"),
			Amount:    payment.Amount.String(),
			Reference: payment.Reference,
		}

		if j.run.DryRun {
			j.counters.Created++
			return j.writeLog(ctx, tx, models.SyncEntityPayment, payment.ID, "", models.SyncOperationCreate, nil, payload, localHash)
		}

		raw, err := j.client.put(ctx, "/Payments", map[string]interface{}{
			"Payments": []xeroPaymentPayload{payload},
		})
		if err != nil {
			return err
		}
		remote, err := firstPayment(raw)
		if err != nil {
			return err
		}
		remoteHash := HashCanonical(PaymentCanonicalFromRemote(remote))
		remoteModified, ok := ParseXeroTime(remote.UpdatedDateUTC)
		if !ok {
			remoteModified = time.Now().UTC()
		}
		if _, err := recordSynced(ctx, tx, nil, businessId, models.SyncEntityPayment, payment.ID, remote.PaymentID, localHash, remoteHash, payment.UpdatedAt, remoteModified, models.SyncOriginLocal); err != nil {
			return err
		}
		j.counters.Created++
		return j.writeLog(ctx, tx, models.SyncEntityPayment, payment.ID, remote.PaymentID, models.SyncOperationCreate, nil, payload, localHash)
	})
	if err != nil {
		if errors.Is(err, errInvoiceNotSynced) {
			j.recordError(ctx, models.SyncEntityPayment, "", "invoice_not_synced", err.Error(), nil, true)
			return
		}
		j.recordError(ctx, models.SyncEntityPayment, "", "push_failed", err.Error(), nil, true)
	}
}

func firstPayment(raw json.RawMessage) (XeroPayment, error) {
	var parsed struct {
		Payments []XeroPayment `json:"Payments"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return XeroPayment{}, err
	}
	if len(parsed.Payments) == 0 {
		return XeroPayment{}, errors.New("xero response contained no payment")
	}
	return parsed.Payments[0], nil
}
