package models

import (
	"log"

	"github.com/mmdatafocus/buildflow_backend/config"
)

func MigrateTable() {
	db := config.GetDB()
	err := db.AutoMigrate(
		&Customer{},
		&Supplier{},
		&Invoice{},
		&InvoiceDetail{},
		&Payment{},
		&XeroConnection{},
		&XeroSyncRun{},
		&SyncState{},
		&SyncLog{},
		&XeroSyncError{},
	)
	if err != nil {
		log.Printf("auto migrate failed: %v", err)
	}
}
