package models

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"gorm.io/gorm"
)

// Entity number prefixes. Generated identifiers look like C-0001, S-0042.
const (
	NumberPrefixCustomer = "C"
	NumberPrefixSupplier = "S"
	NumberPrefixInvoice  = "INV"
	NumberPrefixPayment  = "PMT"
)

// NextSequenceNumber scans existing identifiers for the highest sequence and
// returns the next one, zero-padded to four digits (wider numbers keep their
// natural width). Identifiers that don't match "<prefix>-<digits>" are ignored.
func NextSequenceNumber(existing []string, prefix string) string {
	max := 0
	for _, number := range existing {
		rest, ok := strings.CutPrefix(number, prefix+"-")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(rest)
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	return fmt.Sprintf("%s-%04d", prefix, max+1)
}

// AcquireNumberingLock serializes scan-then-allocate numbering per business across
// instances using MySQL advisory locks.
// NOTE: GET_LOCK is connection-scoped, so this must be called on the same *gorm.DB
// that will do the allocation transaction.
func AcquireNumberingLock(tx *gorm.DB, businessId string, prefix string) error {
	lockName := fmt.Sprintf("numbering:%s:%s", businessId, prefix)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire numbering lock for business_id=%s prefix=%s", businessId, prefix)
	}
	return nil
}

func ReleaseNumberingLock(tx *gorm.DB, businessId string, prefix string) {
	lockName := fmt.Sprintf("numbering:%s:%s", businessId, prefix)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}

// NextEntityNumber allocates the next sequential identifier for one entity table
// under the advisory lock, so two concurrent syncs never hand out the same number.
func NextEntityNumber(ctx context.Context, tx *gorm.DB, businessId string, table string, column string, prefix string) (string, error) {
	if err := AcquireNumberingLock(tx, businessId, prefix); err != nil {
		return "", err
	}
	defer ReleaseNumberingLock(tx, businessId, prefix)

	var existing []string
	if err := tx.WithContext(ctx).
		Table(table).
		Where("business_id = ? AND "+column+" LIKE ?", businessId, prefix+"-%").
		Pluck(column, &existing).Error; err != nil {
		return "", err
	}
	return NextSequenceNumber(existing, prefix), nil
}
