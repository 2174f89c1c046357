package xerosync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/buildflow_backend/config"
	"github.com/mmdatafocus/buildflow_backend/models"
	"github.com/mmdatafocus/buildflow_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// errDryRun rolls the per-record transaction back after the full write path
// has executed, so a dry run exercises exactly the code a real run would.
var errDryRun = errors.New("dry run rollback")

// syncJob carries everything one run needs. Built once by the worker and
// threaded through the pull/push paths.
type syncJob struct {
	run           *models.XeroSyncRun
	conn          *models.XeroConnection
	settings      ConnectionSettings
	client        *xeroClient
	counters      *RunCounters
	progress      ProgressSink
	actor         string
	correlationId string
	// txRunner is swapped out in tests; nil means a real gorm transaction.
	txRunner func(ctx context.Context, fn func(tx *gorm.DB) error) error
}

func (j *syncJob) log() *logrus.Entry {
	return config.GetLogger().WithFields(logrus.Fields{
		"sync_run_id":    j.run.ID,
		"business_id":    j.run.BusinessId,
		"entity_type":    j.run.EntityType,
		"direction":      j.run.Direction,
		"correlation_id": j.correlationId,
	})
}

// classifyUpsertError folds driver-level failures into stable error codes. A
// duplicate key means another worker won a race on one of the sync-state or
// numbering uniques; the record converges on the next run.
func classifyUpsertError(err error) string {
	if isDuplicateKeyError(err) {
		return "duplicate_key"
	}
	return "upsert_failed"
}

// recordError persists a per-record failure without failing the run.
func (j *syncJob) recordError(ctx context.Context, entityType, xeroId, code, message string, payload []byte, retryable bool) {
	j.counters.Errors++
	row := models.XeroSyncError{
		SyncRunId:   j.run.ID,
		BusinessId:  j.run.BusinessId,
		EntityType:  entityType,
		XeroId:      xeroId,
		ErrorCode:   code,
		Message:     message,
		PayloadJSON: payload,
		Retryable:   retryable,
	}
	if err := config.GetDB().WithContext(ctx).Create(&row).Error; err != nil {
		config.LogError(config.GetLogger(), "xerosync", "recordError", "failed to persist sync error row", row.XeroId, err)
	}
}

// markStateError flags an existing mapping whose record write keeps failing.
// ERROR rows fall out of the skip gates, so the next run reprocesses them and
// a clean write flips the row back to ACTIVE.
func (j *syncJob) markStateError(ctx context.Context, entityType, xeroId string) {
	if xeroId == "" {
		return
	}
	err := config.GetDB().WithContext(ctx).Model(&models.SyncState{}).
		Where("business_id = ? AND entity_type = ? AND xero_id = ? AND status = ?",
			j.run.BusinessId, entityType, xeroId, models.SyncStateActive).
		Update("status", models.SyncStateError).Error
	if err != nil {
		config.LogError(config.GetLogger(), "xerosync", "markStateError", "failed to flag sync state", xeroId, err)
	}
}

func (j *syncJob) writeLog(ctx context.Context, tx *gorm.DB, entityType string, localId int, xeroId, operation string, before, after interface{}, hash string) error {
	var beforeJSON, afterJSON []byte
	if before != nil {
		beforeJSON, _ = json.Marshal(before)
	}
	if after != nil {
		afterJSON, _ = json.Marshal(after)
	}
	status := "applied"
	if j.run.DryRun {
		status = "dry_run"
	}
	log := models.SyncLog{
		BusinessId:    j.run.BusinessId,
		SyncRunId:     j.run.ID,
		CorrelationId: j.correlationId,
		EntityType:    entityType,
		LocalId:       localId,
		XeroId:        xeroId,
		Operation:     operation,
		Direction:     j.run.Direction,
		BeforeJSON:    beforeJSON,
		AfterJSON:     afterJSON,
		Hash:          hash,
		Status:        status,
		Actor:         j.actor,
	}
	return tx.WithContext(ctx).Create(&log).Error
}

// inRecordTx runs one record's writes in its own transaction so a bad record
// never poisons the rest of the page. Dry runs roll back via errDryRun.
// Counter bumps made inside fn are rolled back with the transaction, so a
// failed record only ever shows up under Errors.
func (j *syncJob) inRecordTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	snapshot := *j.counters
	runTx := j.txRunner
	if runTx == nil {
		runTx = func(ctx context.Context, fn func(tx *gorm.DB) error) error {
			return config.GetDB().WithContext(ctx).Transaction(fn)
		}
	}
	err := runTx(ctx, func(tx *gorm.DB) error {
		if err := fn(tx); err != nil {
			return err
		}
		if j.run.DryRun {
			return errDryRun
		}
		return nil
	})
	if errors.Is(err, errDryRun) {
		return nil
	}
	if err != nil {
		*j.counters = snapshot
	}
	return err
}

/* Contacts */

// contactTargets decides which local tables one remote contact maps onto. A
// contact flagged both ways owns a customer row and a supplier row.
func contactTargets(c XeroContact) []string {
	var targets []string
	if c.IsCustomer {
		targets = append(targets, models.SyncEntityCustomer)
	}
	if c.IsSupplier {
		targets = append(targets, models.SyncEntitySupplier)
	}
	if len(targets) == 0 {
		// Xero leaves both flags false until the first invoice; default to
		// customer so the record is not lost.
		targets = append(targets, models.SyncEntityCustomer)
	}
	return targets
}

func (j *syncJob) pullContacts(ctx context.Context) error {
	return j.client.fetchAll(ctx, "/Contacts", j.conn.LastSuccessSyncAt, func(page []json.RawMessage) error {
		for _, raw := range page {
			if err := j.checkAbort(ctx); err != nil {
				return err
			}
			j.counters.Fetched++
			j.processRemoteContact(ctx, raw)
			j.progress.Progress(ctx, j.run, *j.counters)
		}
		return nil
	})
}

func (j *syncJob) processRemoteContact(ctx context.Context, raw json.RawMessage) {
	var contact XeroContact
	if err := json.Unmarshal(raw, &contact); err != nil {
		j.recordError(ctx, models.SyncEntityContact, "", "decode_failed", err.Error(), raw, false)
		return
	}
	if strings.TrimSpace(contact.ContactID) == "" {
		j.recordError(ctx, models.SyncEntityContact, "", "missing_id", "contact has no ContactID", raw, false)
		return
	}

	canonical := ContactCanonicalFromRemote(contact)
	remoteHash := HashCanonical(canonical)
	remoteModified, ok := ParseXeroTime(contact.UpdatedDateUTC)
	if !ok {
		remoteModified = time.Now().UTC()
	}
	archived := contact.ContactStatus == "ARCHIVED"

	for _, entityType := range contactTargets(contact) {
		err := j.inRecordTx(ctx, func(tx *gorm.DB) error {
			switch entityType {
			case models.SyncEntityCustomer:
				return j.upsertCustomerFromRemote(ctx, tx, contact, canonical, remoteHash, remoteModified, archived)
			default:
				return j.upsertSupplierFromRemote(ctx, tx, contact, canonical, remoteHash, remoteModified, archived)
			}
		})
		if err != nil {
			j.recordError(ctx, entityType, contact.ContactID, classifyUpsertError(err), err.Error(), raw, true)
			j.markStateError(ctx, entityType, contact.ContactID)
		}
	}
}

func (j *syncJob) upsertCustomerFromRemote(ctx context.Context, tx *gorm.DB, contact XeroContact, remote Canonical, remoteHash string, remoteModified time.Time, archived bool) error {
	businessId := j.run.BusinessId
	state, err := findStateByRemote(ctx, tx, businessId, models.SyncEntityCustomer, contact.ContactID)
	if err != nil {
		return err
	}
	if shouldSkipRemote(state, remoteHash) {
		j.counters.Skipped++
		return nil
	}

	if state == nil {
		number, err := models.NextEntityNumber(ctx, tx, businessId, "customers", "customer_number", models.NumberPrefixCustomer)
		if err != nil {
			return err
		}
		customer := models.Customer{
			BusinessId:     businessId,
			CustomerNumber: number,
			IsActive:       utils.NewTrue(),
		}
		MergeContactFromRemote(&customer, remote)
		if archived {
			customer.IsActive = utils.NewFalse()
		}
		if err := tx.WithContext(ctx).Create(&customer).Error; err != nil {
			return err
		}
		localHash := HashCanonical(ContactCanonicalFromCustomer(customer))
		if _, err := recordSynced(ctx, tx, nil, businessId, models.SyncEntityCustomer, customer.ID, contact.ContactID, localHash, remoteHash, customer.UpdatedAt, remoteModified, models.SyncOriginRemote); err != nil {
			return err
		}
		j.counters.Created++
		return j.writeLog(ctx, tx, models.SyncEntityCustomer, customer.ID, contact.ContactID, models.SyncOperationCreate, nil, customer, remoteHash)
	}

	var customer models.Customer
	if err := tx.WithContext(ctx).
		Where("id = ? AND business_id = ?", state.LocalId, businessId).
		Take(&customer).Error; err != nil {
		return err
	}
	before := customer
	localCanonical := ContactCanonicalFromCustomer(customer)

	if bothSidesModified(state, customer.UpdatedAt, remoteModified) {
		if fields := DetectConflicts(localCanonical, remote); len(fields) > 0 {
			j.counters.Conflicts++
			if err := markConflict(ctx, tx, state, fields); err != nil {
				return err
			}
			return j.writeLog(ctx, tx, models.SyncEntityCustomer, customer.ID, contact.ContactID, models.SyncOperationConflict, before, nil, remoteHash)
		}
	}

	MergeContactFromRemote(&customer, remote)
	if archived {
		customer.IsActive = utils.NewFalse()
	}
	if err := tx.WithContext(ctx).Save(&customer).Error; err != nil {
		return err
	}
	localHash := HashCanonical(ContactCanonicalFromCustomer(customer))
	if _, err := recordSynced(ctx, tx, state, businessId, models.SyncEntityCustomer, customer.ID, contact.ContactID, localHash, remoteHash, customer.UpdatedAt, remoteModified, models.SyncOriginRemote); err != nil {
		return err
	}
	j.counters.Updated++
	return j.writeLog(ctx, tx, models.SyncEntityCustomer, customer.ID, contact.ContactID, models.SyncOperationUpdate, before, customer, remoteHash)
}

func (j *syncJob) upsertSupplierFromRemote(ctx context.Context, tx *gorm.DB, contact XeroContact, remote Canonical, remoteHash string, remoteModified time.Time, archived bool) error {
	businessId := j.run.BusinessId
	state, err := findStateByRemote(ctx, tx, businessId, models.SyncEntitySupplier, contact.ContactID)
	if err != nil {
		return err
	}
	if shouldSkipRemote(state, remoteHash) {
		j.counters.Skipped++
		return nil
	}

	if state == nil {
		number, err := models.NextEntityNumber(ctx, tx, businessId, "suppliers", "supplier_number", models.NumberPrefixSupplier)
		if err != nil {
			return err
		}
		supplier := models.Supplier{
			BusinessId:     businessId,
			SupplierNumber: number,
			IsActive:       utils.NewTrue(),
		}
		MergeSupplierFromRemote(&supplier, remote)
		if archived {
			supplier.IsActive = utils.NewFalse()
		}
		if err := tx.WithContext(ctx).Create(&supplier).Error; err != nil {
			return err
		}
		localHash := HashCanonical(ContactCanonicalFromSupplier(supplier))
		if _, err := recordSynced(ctx, tx, nil, businessId, models.SyncEntitySupplier, supplier.ID, contact.ContactID, localHash, remoteHash, supplier.UpdatedAt, remoteModified, models.SyncOriginRemote); err != nil {
			return err
		}
		j.counters.Created++
		return j.writeLog(ctx, tx, models.SyncEntitySupplier, supplier.ID, contact.ContactID, models.SyncOperationCreate, nil, supplier, remoteHash)
	}

	var supplier models.Supplier
	if err := tx.WithContext(ctx).
		Where("id = ? AND business_id = ?", state.LocalId, businessId).
		Take(&supplier).Error; err != nil {
		return err
	}
	before := supplier
	localCanonical := ContactCanonicalFromSupplier(supplier)

	if bothSidesModified(state, supplier.UpdatedAt, remoteModified) {
		if fields := DetectConflicts(localCanonical, remote); len(fields) > 0 {
			j.counters.Conflicts++
			if err := markConflict(ctx, tx, state, fields); err != nil {
				return err
			}
			return j.writeLog(ctx, tx, models.SyncEntitySupplier, supplier.ID, contact.ContactID, models.SyncOperationConflict, before, nil, remoteHash)
		}
	}

	MergeSupplierFromRemote(&supplier, remote)
	if archived {
		supplier.IsActive = utils.NewFalse()
	}
	if err := tx.WithContext(ctx).Save(&supplier).Error; err != nil {
		return err
	}
	localHash := HashCanonical(ContactCanonicalFromSupplier(supplier))
	if _, err := recordSynced(ctx, tx, state, businessId, models.SyncEntitySupplier, supplier.ID, contact.ContactID, localHash, remoteHash, supplier.UpdatedAt, remoteModified, models.SyncOriginRemote); err != nil {
		return err
	}
	j.counters.Updated++
	return j.writeLog(ctx, tx, models.SyncEntitySupplier, supplier.ID, contact.ContactID, models.SyncOperationUpdate, before, supplier, remoteHash)
}

/* Invoices */

// syncableInvoiceStatus filters remote invoices to the lifecycle states worth
// mirroring. Drafts churn too much and deleted rows are gone for good.
func syncableInvoiceStatus(status string) bool {
	switch status {
	case "AUTHORISED", "PAID", "VOIDED":
		return true
	default:
		return false
	}
}

func localInvoiceStatus(inv XeroInvoice) models.InvoiceStatus {
	switch inv.Status {
	case "VOIDED":
		return models.InvoiceStatusVoid
	case "PAID":
		return models.InvoiceStatusPaid
	}
	paid := decimalFromNumber(inv.AmountPaid)
	total := decimalFromNumber(inv.Total)
	switch {
	case paid.IsZero():
		return models.InvoiceStatusDraft
	case paid.GreaterThanOrEqual(total):
		return models.InvoiceStatusPaid
	default:
		return models.InvoiceStatusPartial
	}
}

// invoiceConflicts compares invoice canonicals with the configured amount
// tolerance: total drift inside the variance band is rounding noise between
// the two tax engines, not a conflict.
func invoiceConflicts(local, remote Canonical, variancePercent float64) []ConflictField {
	var fields []ConflictField
	for _, f := range DetectConflicts(local, remote) {
		if f.Field == "total" || f.Field == "sub_total" || f.Field == "tax_total" {
			if withinVariance(f.LocalValue, f.RemoteValue, variancePercent) {
				continue
			}
		}
		fields = append(fields, f)
	}
	return fields
}

func withinVariance(a, b string, percent float64) bool {
	da, errA := decimal.NewFromString(a)
	db, errB := decimal.NewFromString(b)
	if errA != nil || errB != nil {
		return false
	}
	diff := da.Sub(db).Abs()
	base := da.Abs()
	if db.Abs().GreaterThan(base) {
		base = db.Abs()
	}
	if base.IsZero() {
		return diff.IsZero()
	}
	limit := base.Mul(decimal.NewFromFloat(percent)).Div(decimal.NewFromInt(100))
	return diff.LessThanOrEqual(limit)
}

func (j *syncJob) pullInvoices(ctx context.Context) error {
	return j.client.fetchAll(ctx, "/Invoices", j.conn.LastSuccessSyncAt, func(page []json.RawMessage) error {
		for _, raw := range page {
			if err := j.checkAbort(ctx); err != nil {
				return err
			}
			j.counters.Fetched++
			j.processRemoteInvoice(ctx, raw)
			j.progress.Progress(ctx, j.run, *j.counters)
		}
		return nil
	})
}

func (j *syncJob) processRemoteInvoice(ctx context.Context, raw json.RawMessage) {
	var inv XeroInvoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		j.recordError(ctx, models.SyncEntityInvoice, "", "decode_failed", err.Error(), raw, false)
		return
	}
	if strings.TrimSpace(inv.InvoiceID) == "" {
		j.recordError(ctx, models.SyncEntityInvoice, "", "missing_id", "invoice has no InvoiceID", raw, false)
		return
	}
	if !syncableInvoiceStatus(inv.Status) {
		j.counters.Skipped++
		return
	}

	err := j.inRecordTx(ctx, func(tx *gorm.DB) error {
		return j.upsertInvoiceFromRemote(ctx, tx, inv, raw)
	})
	if err != nil {
		if errors.Is(err, errContactNotSynced) {
			j.recordError(ctx, models.SyncEntityInvoice, inv.InvoiceID, "contact_not_synced", err.Error(), raw, true)
			return
		}
		j.recordError(ctx, models.SyncEntityInvoice, inv.InvoiceID, classifyUpsertError(err), err.Error(), raw, true)
		j.markStateError(ctx, models.SyncEntityInvoice, inv.InvoiceID)
	}
}

var errContactNotSynced = errors.New("invoice contact has not synced yet")

// resolveInvoiceContact maps the remote contact reference onto a local
// customer or supplier id, honoring the fallback policy when the contact is
// unknown.
func (j *syncJob) resolveInvoiceContact(ctx context.Context, tx *gorm.DB, inv XeroInvoice) (models.ContactType, int, error) {
	contactType := models.ContactTypeCustomer
	entityType := models.SyncEntityCustomer
	if inv.Type == "ACCPAY" {
		contactType = models.ContactTypeSupplier
		entityType = models.SyncEntitySupplier
	}

	state, err := findStateByRemote(ctx, tx, j.run.BusinessId, entityType, inv.Contact.ContactID)
	if err != nil {
		return contactType, 0, err
	}
	if state != nil {
		return contactType, state.LocalId, nil
	}

	if contactFallbackPolicy() != ContactFallbackGeneral {
		return contactType, 0, fmt.Errorf("%w: contact %s", errContactNotSynced, inv.Contact.ContactID)
	}
	localId, err := j.generalContact(ctx, tx, contactType)
	return contactType, localId, err
}

// Reserved identifiers for the per-business placeholder contacts. Sequence 0
// sits outside the generated range, so numbering never collides with them.
const (
	generalCustomerNumber = models.NumberPrefixCustomer + "-0000"
	generalSupplierNumber = models.NumberPrefixSupplier + "-0000"
)

// generalContact returns the per-business placeholder contact, creating it on
// first use. The reserved number is the lookup key so an operator renaming the
// placeholder does not spawn a second one.
func (j *syncJob) generalContact(ctx context.Context, tx *gorm.DB, contactType models.ContactType) (int, error) {
	businessId := j.run.BusinessId
	if contactType == models.ContactTypeSupplier {
		supplier, err := models.FindSupplierByNumber(ctx, tx, businessId, generalSupplierNumber)
		if err != nil {
			return 0, err
		}
		if supplier != nil {
			return supplier.ID, nil
		}
		supplier = &models.Supplier{
			BusinessId:     businessId,
			SupplierNumber: generalSupplierNumber,
			Name:           "General Supplier",
			IsActive:       utils.NewTrue(),
		}
		if err := tx.WithContext(ctx).Create(supplier).Error; err != nil {
			return 0, err
		}
		return supplier.ID, nil
	}

	customer, err := models.FindCustomerByNumber(ctx, tx, businessId, generalCustomerNumber)
	if err != nil {
		return 0, err
	}
	if customer != nil {
		return customer.ID, nil
	}
	customer = &models.Customer{
		BusinessId:     businessId,
		CustomerNumber: generalCustomerNumber,
		Name:           "General Customer",
		IsActive:       utils.NewTrue(),
	}
	if err := tx.WithContext(ctx).Create(customer).Error; err != nil {
		return 0, err
	}
	return customer.ID, nil
}

func (j *syncJob) upsertInvoiceFromRemote(ctx context.Context, tx *gorm.DB, inv XeroInvoice, raw json.RawMessage) error {
	businessId := j.run.BusinessId
	canonical := InvoiceCanonicalFromRemote(inv)
	remoteHash := HashCanonical(canonical)
	remoteModified, ok := ParseXeroTime(inv.UpdatedDateUTC)
	if !ok {
		remoteModified = time.Now().UTC()
	}

	state, err := findStateByRemote(ctx, tx, businessId, models.SyncEntityInvoice, inv.InvoiceID)
	if err != nil {
		return err
	}
	if shouldSkipRemote(state, remoteHash) {
		j.counters.Skipped++
		return nil
	}

	contactType, contactId, err := j.resolveInvoiceContact(ctx, tx, inv)
	if err != nil {
		return err
	}

	invoiceDate, _ := ParseXeroTime(inv.Date)
	var dueDate *time.Time
	if t, ok := ParseXeroTime(inv.DueDate); ok {
		dueDate = &t
	}

	details := make([]*models.InvoiceDetail, 0, len(inv.LineItems))
	for _, item := range inv.LineItems {
		details = append(details, &models.InvoiceDetail{
			Description: item.Description,
			Quantity:    decimalFromNumber(item.Quantity),
			UnitAmount:  decimalFromNumber(item.UnitAmount),
			TaxAmount:   decimalFromNumber(item.TaxAmount),
			LineAmount:  decimalFromNumber(item.LineAmount),
		})
	}

	if state == nil {
		number := strings.TrimSpace(inv.InvoiceNumber)
		if number == "" {
			number, err = models.NextEntityNumber(ctx, tx, businessId, "invoices", "invoice_number", models.NumberPrefixInvoice)
			if err != nil {
				return err
			}
		}
		invoice := models.Invoice{
			BusinessId:    businessId,
			InvoiceNumber: number,
			Reference:     inv.Reference,
			ContactType:   contactType,
			InvoiceDate:   invoiceDate,
			DueDate:       dueDate,
			CurrencyCode:  inv.CurrencyCode,
			SubTotal:      decimalFromNumber(inv.SubTotal),
			TaxTotal:      decimalFromNumber(inv.TotalTax),
			Total:         decimalFromNumber(inv.Total),
			AmountPaid:    decimalFromNumber(inv.AmountPaid),
			AmountDue:     decimalFromNumber(inv.AmountDue),
			Status:        localInvoiceStatus(inv),
			Details:       details,
		}
		if contactType == models.ContactTypeSupplier {
			invoice.SupplierId = contactId
		} else {
			invoice.CustomerId = contactId
		}
		if err := tx.WithContext(ctx).Create(&invoice).Error; err != nil {
			return err
		}
		localHash := HashCanonical(InvoiceCanonicalFromLocal(invoice, inv.Contact.ContactID))
		if _, err := recordSynced(ctx, tx, nil, businessId, models.SyncEntityInvoice, invoice.ID, inv.InvoiceID, localHash, remoteHash, invoice.UpdatedAt, remoteModified, models.SyncOriginRemote); err != nil {
			return err
		}
		j.counters.Created++
		return j.writeLog(ctx, tx, models.SyncEntityInvoice, invoice.ID, inv.InvoiceID, models.SyncOperationCreate, nil, invoice, remoteHash)
	}

	var invoice models.Invoice
	if err := tx.WithContext(ctx).
		Preload("Details").
		Where("id = ? AND business_id = ?", state.LocalId, businessId).
		Take(&invoice).Error; err != nil {
		return err
	}
	before := invoice
	localCanonical := InvoiceCanonicalFromLocal(invoice, inv.Contact.ContactID)

	if bothSidesModified(state, invoice.UpdatedAt, remoteModified) {
		if fields := invoiceConflicts(localCanonical, canonical, j.settings.AmountVariancePercent); len(fields) > 0 {
			j.counters.Conflicts++
			if err := markConflict(ctx, tx, state, fields); err != nil {
				return err
			}
			return j.writeLog(ctx, tx, models.SyncEntityInvoice, invoice.ID, inv.InvoiceID, models.SyncOperationConflict, before, nil, remoteHash)
		}
	}

	invoice.Reference = inv.Reference
	invoice.InvoiceDate = invoiceDate
	invoice.DueDate = dueDate
	invoice.CurrencyCode = inv.CurrencyCode
	invoice.SubTotal = decimalFromNumber(inv.SubTotal)
	invoice.TaxTotal = decimalFromNumber(inv.TotalTax)
	invoice.Total = decimalFromNumber(inv.Total)
	invoice.AmountPaid = decimalFromNumber(inv.AmountPaid)
	invoice.AmountDue = decimalFromNumber(inv.AmountDue)
	invoice.Status = localInvoiceStatus(inv)

	if err := tx.WithContext(ctx).Omit("Details").Save(&invoice).Error; err != nil {
		return err
	}
	// Line items are replaced wholesale; the remote is authoritative for them.
	if err := tx.WithContext(ctx).
		Where("invoice_id = ?", invoice.ID).
		Delete(&models.InvoiceDetail{}).Error; err != nil {
		return err
	}
	for _, d := range details {
		d.InvoiceId = invoice.ID
		if err := tx.WithContext(ctx).Create(d).Error; err != nil {
			return err
		}
	}
	invoice.Details = details

	localHash := HashCanonical(InvoiceCanonicalFromLocal(invoice, inv.Contact.ContactID))
	if _, err := recordSynced(ctx, tx, state, businessId, models.SyncEntityInvoice, invoice.ID, inv.InvoiceID, localHash, remoteHash, invoice.UpdatedAt, remoteModified, models.SyncOriginRemote); err != nil {
		return err
	}
	j.counters.Updated++
	return j.writeLog(ctx, tx, models.SyncEntityInvoice, invoice.ID, inv.InvoiceID, models.SyncOperationUpdate, before, invoice, remoteHash)
}

/* Payments */

func (j *syncJob) pullPayments(ctx context.Context) error {
	return j.client.fetchAll(ctx, "/Payments", j.conn.LastSuccessSyncAt, func(page []json.RawMessage) error {
		for _, raw := range page {
			if err := j.checkAbort(ctx); err != nil {
				return err
			}
			j.counters.Fetched++
			j.processRemotePayment(ctx, raw)
			j.progress.Progress(ctx, j.run, *j.counters)
		}
		return nil
	})
}

func (j *syncJob) processRemotePayment(ctx context.Context, raw json.RawMessage) {
	var payment XeroPayment
	if err := json.Unmarshal(raw, &payment); err != nil {
		j.recordError(ctx, models.SyncEntityPayment, "", "decode_failed", err.Error(), raw, false)
		return
	}
	if strings.TrimSpace(payment.PaymentID) == "" {
		j.recordError(ctx, models.SyncEntityPayment, "", "missing_id", "payment has no PaymentID", raw, false)
		return
	}

	err := j.inRecordTx(ctx, func(tx *gorm.DB) error {
		return j.upsertPaymentFromRemote(ctx, tx, payment)
	})
	if err != nil {
		if errors.Is(err, errInvoiceNotSynced) {
			j.recordError(ctx, models.SyncEntityPayment, payment.PaymentID, "invoice_not_synced", err.Error(), raw, true)
			return
		}
		j.recordError(ctx, models.SyncEntityPayment, payment.PaymentID, classifyUpsertError(err), err.Error(), raw, true)
		j.markStateError(ctx, models.SyncEntityPayment, payment.PaymentID)
	}
}

var errInvoiceNotSynced = errors.New("payment invoice has not synced yet")

// Payments are remote-authoritative on pull: there is no field ownership
// split, the Xero record simply wins.
func (j *syncJob) upsertPaymentFromRemote(ctx context.Context, tx *gorm.DB, payment XeroPayment) error {
	businessId := j.run.BusinessId
	canonical := PaymentCanonicalFromRemote(payment)
	remoteHash := HashCanonical(canonical)
	remoteModified, ok := ParseXeroTime(payment.UpdatedDateUTC)
	if !ok {
		remoteModified = time.Now().UTC()
	}

	state, err := findStateByRemote(ctx, tx, businessId, models.SyncEntityPayment, payment.PaymentID)
	if err != nil {
		return err
	}
	if shouldSkipRemote(state, remoteHash) {
		j.counters.Skipped++
		return nil
	}

	invoiceState, err := findStateByRemote(ctx, tx, businessId, models.SyncEntityInvoice, payment.Invoice.InvoiceID)
	if err != nil {
		return err
	}
	if invoiceState == nil {
		return fmt.Errorf("%w: invoice %s", errInvoiceNotSynced, payment.Invoice.InvoiceID)
	}

	status := models.PaymentStatusCompleted
	if payment.Status == "DELETED" {
		status = models.PaymentStatusVoided
	}
	paymentDate, _ := ParseXeroTime(payment.Date)

	var localId int
	var operation string
	var before interface{}

	if state == nil {
		number, err := models.NextEntityNumber(ctx, tx, businessId, "payments", "payment_number", models.NumberPrefixPayment)
		if err != nil {
			return err
		}
		row := models.Payment{
			BusinessId:    businessId,
			PaymentNumber: number,
			InvoiceId:     invoiceState.LocalId,
			PaymentDate:   paymentDate,
			Amount:        decimalFromNumber(payment.Amount),
			Reference:     payment.Reference,
			Status:        status,
		}
		if err := tx.WithContext(ctx).Create(&row).Error; err != nil {
			return err
		}
		localId = row.ID
		operation = models.SyncOperationCreate
		j.counters.Created++
		localHash := HashCanonical(PaymentCanonicalFromLocal(row, payment.Invoice.InvoiceID))
		if _, err := recordSynced(ctx, tx, nil, businessId, models.SyncEntityPayment, row.ID, payment.PaymentID, localHash, remoteHash, row.UpdatedAt, remoteModified, models.SyncOriginRemote); err != nil {
			return err
		}
		if err := j.writeLog(ctx, tx, models.SyncEntityPayment, localId, payment.PaymentID, operation, before, row, remoteHash); err != nil {
			return err
		}
	} else {
		var row models.Payment
		if err := tx.WithContext(ctx).
			Where("id = ? AND business_id = ?", state.LocalId, businessId).
			Take(&row).Error; err != nil {
			return err
		}
		before = row
		row.PaymentDate = paymentDate
		row.Amount = decimalFromNumber(payment.Amount)
		row.Reference = payment.Reference
		row.Status = status
		if err := tx.WithContext(ctx).Save(&row).Error; err != nil {
			return err
		}
		localId = row.ID
		operation = models.SyncOperationUpdate
		j.counters.Updated++
		localHash := HashCanonical(PaymentCanonicalFromLocal(row, payment.Invoice.InvoiceID))
		if _, err := recordSynced(ctx, tx, state, businessId, models.SyncEntityPayment, row.ID, payment.PaymentID, localHash, remoteHash, row.UpdatedAt, remoteModified, models.SyncOriginRemote); err != nil {
			return err
		}
		if err := j.writeLog(ctx, tx, models.SyncEntityPayment, localId, payment.PaymentID, operation, before, row, remoteHash); err != nil {
			return err
		}
	}

	// Keep the invoice aggregates honest in the same commit.
	return models.RecomputeInvoicePaymentState(ctx, tx, businessId, invoiceState.LocalId)
}
