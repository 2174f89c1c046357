package xerosync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mmdatafocus/buildflow_backend/config"
	"github.com/mmdatafocus/buildflow_backend/models"
	"github.com/mmdatafocus/buildflow_backend/utils"
	"gorm.io/gorm"
)

// Field ownership for contacts. Remote-owned fields always take the Xero
// value, local-owned fields never leave this system, and core fields are the
// only ones that can genuinely conflict.
var (
	remoteOwnedContactFields = map[string]bool{
		"tax_number": true,
	}
	localOwnedContactFields = map[string]bool{
		"notes":              true,
		"credit_limit":       true,
		"payment_terms_days": true,
	}
)

func isCoreContactField(field string) bool {
	return !remoteOwnedContactFields[field] && !localOwnedContactFields[field]
}

// DetectConflicts compares the two canonicals over their shared keys and
// returns the core fields whose values disagree. Keys present on only one
// side can never conflict; neither can owned fields, which always have a
// deterministic winner.
func DetectConflicts(local, remote Canonical) []ConflictField {
	var fields []ConflictField
	keys := make([]string, 0, len(local))
	for k := range local {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		remoteValue, shared := remote[k]
		if !shared {
			continue
		}
		if !isCoreContactField(k) {
			continue
		}
		if local[k] != remoteValue {
			fields = append(fields, ConflictField{
				Field:       k,
				LocalValue:  local[k],
				RemoteValue: remoteValue,
			})
		}
	}
	return fields
}

// bothSidesModified reports whether local and remote each changed since the
// last agreed sync point. Before the first sync every difference is handled by
// direction, not flagged as a conflict.
func bothSidesModified(state *models.SyncState, localModified, remoteModified time.Time) bool {
	if state == nil || state.LastSyncedAt == nil {
		return false
	}
	return localModified.After(*state.LastSyncedAt) && remoteModified.After(*state.LastSyncedAt)
}

/* Contact merge */

// MergeContactFromRemote applies the remote canonical onto a customer row
// while preserving locally owned fields. Core fields take the remote value on
// a pull.
func MergeContactFromRemote(customer *models.Customer, remote Canonical) {
	customer.Name = remote["name"]
	customer.Email = remote["email"]
	customer.Phone = remote["phone"]
	customer.Mobile = remote["mobile"]
	customer.TaxNumber = remote["tax_number"]
	customer.AddressLine1 = remote["address_line1"]
	customer.AddressLine2 = remote["address_line2"]
	customer.City = remote["city"]
	customer.Region = remote["region"]
	customer.PostalCode = remote["postal_code"]
	customer.Country = remote["country"]
	// notes, credit_limit, payment_terms_days stay untouched.
}

func MergeSupplierFromRemote(supplier *models.Supplier, remote Canonical) {
	supplier.Name = remote["name"]
	supplier.Email = remote["email"]
	supplier.Phone = remote["phone"]
	supplier.Mobile = remote["mobile"]
	supplier.TaxNumber = remote["tax_number"]
	supplier.AddressLine1 = remote["address_line1"]
	supplier.AddressLine2 = remote["address_line2"]
	supplier.City = remote["city"]
	supplier.Region = remote["region"]
	supplier.PostalCode = remote["postal_code"]
	supplier.Country = remote["country"]
}

/* Conflict persistence and resolution */

func markConflict(ctx context.Context, tx *gorm.DB, state *models.SyncState, fields []ConflictField) error {
	record := ConflictRecord{
		StateId:    state.ID,
		EntityType: state.EntityType,
		LocalId:    state.LocalId,
		XeroId:     state.XeroId,
		DetectedAt: time.Now().UTC(),
		Fields:     fields,
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	state.Status = models.SyncStateConflict
	state.ConflictDataJSON = raw
	return tx.WithContext(ctx).Model(&models.SyncState{}).
		Where("id = ?", state.ID).
		Updates(map[string]interface{}{
			"status":             models.SyncStateConflict,
			"conflict_data_json": raw,
		}).Error
}

const (
	ResolutionUseLocal  = "use_local"
	ResolutionUseRemote = "use_remote"
	ResolutionManual    = "manual"
)

// ResolveConflict clears a conflicted state row after applying the chosen
// resolution to the local entity. use_remote takes the stored remote values,
// use_local keeps the local row as-is (the next push carries it out), and
// manual applies the caller's field map. The state row's sync point moves to
// the resolution moment so the next run does not re-detect the same dispute.
func ResolveConflict(ctx context.Context, businessId string, stateId uint, req ResolveConflictRequest, actor string) error {
	db := config.GetDB()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var state models.SyncState
		if err := tx.WithContext(ctx).
			Where("id = ? AND business_id = ?", stateId, businessId).
			Take(&state).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return utils.ErrorRecordNotFound
			}
			return err
		}
		if state.Status != models.SyncStateConflict {
			return fmt.Errorf("sync state %d is not in conflict", stateId)
		}

		var record ConflictRecord
		if len(state.ConflictDataJSON) > 0 {
			if err := json.Unmarshal(state.ConflictDataJSON, &record); err != nil {
				return err
			}
		}

		fields := map[string]string{}
		switch req.Resolution {
		case ResolutionUseRemote:
			for _, f := range record.Fields {
				fields[f.Field] = f.RemoteValue
			}
		case ResolutionManual:
			if len(req.Fields) == 0 {
				return errors.New("manual resolution requires fields")
			}
			for _, f := range record.Fields {
				value, ok := req.Fields[f.Field]
				if !ok {
					return fmt.Errorf("manual resolution missing field %s", f.Field)
				}
				fields[f.Field] = value
			}
		case ResolutionUseLocal:
			// Nothing to write locally.
		default:
			return fmt.Errorf("unknown resolution %q", req.Resolution)
		}

		// Invoice use_remote skips per-field writes: line_items has no single
		// column to write, so the cleared remote hash below makes the next
		// pull re-apply the whole remote record instead.
		skipFieldWrites := state.EntityType == models.SyncEntityInvoice && req.Resolution == ResolutionUseRemote
		if len(fields) > 0 && !skipFieldWrites {
			table, updates, err := resolvedFieldUpdates(state.EntityType, fields)
			if err != nil {
				return err
			}
			if err := tx.WithContext(ctx).Table(table).
				Where("id = ? AND business_id = ?", state.LocalId, businessId).
				Updates(updates).Error; err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		if err := tx.WithContext(ctx).Model(&models.SyncState{}).
			Where("id = ?", state.ID).
			Updates(resolutionStateChanges(state.EntityType, req.Resolution, &now)).Error; err != nil {
			return err
		}

		log := models.SyncLog{
			BusinessId: businessId,
			EntityType: state.EntityType,
			LocalId:    state.LocalId,
			XeroId:     state.XeroId,
			Operation:  models.SyncOperationConflict,
			Status:     "resolved:" + req.Resolution,
			Actor:      actor,
		}
		return tx.WithContext(ctx).Create(&log).Error
	})
}

// resolutionStateChanges is the sync-state column set that clears a conflict.
// Moving last_synced_at forward keeps bothSidesModified quiet until a genuine
// new edit lands on either side.
//   - use_local clears the local hash so the next push carries the local row
//     out even if nothing else changed.
//   - invoice use_remote clears the remote hash so the next pull reprocesses
//     the record and merges the full remote state.
func resolutionStateChanges(entityType, resolution string, now *time.Time) map[string]interface{} {
	updates := map[string]interface{}{
		"status":             models.SyncStateActive,
		"conflict_data_json": nil,
		"last_synced_at":     now,
		"sync_origin":        models.SyncOriginRemote,
	}
	switch {
	case resolution == ResolutionUseLocal:
		updates["last_local_hash"] = ""
	case resolution == ResolutionUseRemote && entityType == models.SyncEntityInvoice:
		updates["last_remote_hash"] = ""
		updates["sync_origin"] = models.SyncOriginLocal
	}
	return updates
}

// invoiceResolutionColumns maps canonical invoice fields onto invoice columns.
// line_items is deliberately absent; it is only resolvable via use_remote.
var invoiceResolutionColumns = map[string]string{
	"invoice_number": "invoice_number",
	"reference":      "reference",
	"currency":       "currency_code",
	"date":           "invoice_date",
	"due_date":       "due_date",
	"sub_total":      "sub_total",
	"tax_total":      "tax_total",
	"total":          "total",
}

// resolvedFieldUpdates translates resolved canonical field values into the
// table and column writes for the conflicted entity.
func resolvedFieldUpdates(entityType string, fields map[string]string) (string, map[string]interface{}, error) {
	updates := map[string]interface{}{}
	switch entityType {
	case models.SyncEntityCustomer, models.SyncEntitySupplier:
		for field, value := range fields {
			if !isCoreContactField(field) {
				return "", nil, fmt.Errorf("field %s is not resolvable", field)
			}
			updates[field] = value
		}
		table := "customers"
		if entityType == models.SyncEntitySupplier {
			table = "suppliers"
		}
		return table, updates, nil
	case models.SyncEntityInvoice:
		for field, value := range fields {
			column, ok := invoiceResolutionColumns[field]
			if !ok {
				return "", nil, fmt.Errorf("invoice field %s is not resolvable; use use_remote", field)
			}
			updates[column] = value
		}
		return "invoices", updates, nil
	default:
		return "", nil, fmt.Errorf("conflicts on %s cannot be field-resolved", entityType)
	}
}
