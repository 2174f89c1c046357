package models

import "time"

const (
	IntegrationProviderXero = "xero"
)

const (
	IntegrationStatusConnected    = "connected"
	IntegrationStatusDisconnected = "disconnected"
	IntegrationStatusError        = "error"
)

const (
	SyncRunStatusQueued   = "queued"
	SyncRunStatusRunning  = "running"
	SyncRunStatusSuccess  = "success"
	SyncRunStatusFailed   = "failed"
	SyncRunStatusPartial  = "partial"
	SyncRunStatusCanceled = "canceled"
)

const (
	SyncTriggeredManual = "manual"
	SyncTriggeredRetry  = "retry"
	SyncTriggeredSystem = "system"
)

const (
	SyncDirectionPull = "pull"
	SyncDirectionPush = "push"
)

const (
	SyncOriginLocal  = "local"
	SyncOriginRemote = "remote"
)

// Run-level entity types. A contact run touches customer and supplier rows.
const (
	SyncEntityContact = "contact"
	SyncEntityInvoice = "invoice"
	SyncEntityPayment = "payment"
)

// SyncState-level entity types. One remote contact can own two SyncState rows,
// one against a customer row and one against a supplier row.
const (
	SyncEntityCustomer = "customer"
	SyncEntitySupplier = "supplier"
)

// SyncState per-record statuses. CONFLICT and ERROR are soft states; rows are
// never deleted.
const (
	SyncStateActive   = "ACTIVE"
	SyncStateConflict = "CONFLICT"
	SyncStateError    = "ERROR"
)

const (
	SyncOperationCreate   = "CREATE"
	SyncOperationUpdate   = "UPDATE"
	SyncOperationConflict = "CONFLICT"
)

type XeroConnection struct {
	ID                uint       `gorm:"primary_key" json:"id"`
	BusinessId        string     `gorm:"uniqueIndex:idx_xero_connection,priority:1;not null" json:"business_id"`
	Provider          string     `gorm:"uniqueIndex:idx_xero_connection,priority:2;size:50;not null" json:"provider"`
	Status            string     `gorm:"size:20;not null" json:"status"`
	TenantId          string     `gorm:"size:100" json:"tenant_id"`
	TenantName        string     `gorm:"size:255" json:"tenant_name"`
	AccessToken       string     `gorm:"type:text" json:"-"`
	RefreshToken      string     `gorm:"type:text" json:"-"`
	TokenExpiresAt    *time.Time `json:"token_expires_at"`
	SettingsJSON      []byte     `gorm:"type:json" json:"settings"`
	LastSyncAt        *time.Time `json:"last_sync_at"`
	LastSuccessSyncAt *time.Time `json:"last_success_sync_at"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type XeroSyncRun struct {
	ID              uint       `gorm:"primary_key" json:"id"`
	BusinessId      string     `gorm:"index;not null" json:"business_id"`
	ConnectionId    uint       `gorm:"index;not null" json:"connection_id"`
	EntityType      string     `gorm:"size:20;not null" json:"entity_type"`
	Direction       string     `gorm:"size:10;not null" json:"direction"`
	DryRun          bool       `gorm:"default:false" json:"dry_run"`
	Status          string     `gorm:"size:20;not null" json:"status"`
	TriggeredBy     string     `gorm:"size:20" json:"triggered_by"`
	CountersJSON    []byte     `gorm:"type:json" json:"counters"`
	ErrorMessage    string     `gorm:"type:text" json:"error_message"`
	CancelRequested bool       `gorm:"default:false" json:"cancel_requested"`
	ParentRunId     *uint      `gorm:"index" json:"parent_run_id"`
	StartedAt       *time.Time `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at"`
	DurationMs      int64      `json:"duration_ms"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncState tracks the last agreed state between one local entity row and its
// Xero counterpart. At most one row per (entityType, localId) and one per
// (entityType, xeroId) within a business.
type SyncState struct {
	ID                 uint       `gorm:"primary_key" json:"id"`
	BusinessId         string     `gorm:"uniqueIndex:idx_sync_state_local,priority:1;uniqueIndex:idx_sync_state_remote,priority:1;not null" json:"business_id"`
	EntityType         string     `gorm:"uniqueIndex:idx_sync_state_local,priority:2;uniqueIndex:idx_sync_state_remote,priority:2;size:20;not null" json:"entity_type"`
	LocalId            int        `gorm:"uniqueIndex:idx_sync_state_local,priority:3;not null" json:"local_id"`
	XeroId             string     `gorm:"uniqueIndex:idx_sync_state_remote,priority:3;size:64;not null" json:"xero_id"`
	LastLocalHash      string     `gorm:"size:64" json:"last_local_hash"`
	LastRemoteHash     string     `gorm:"size:64" json:"last_remote_hash"`
	LastSyncedAt       *time.Time `json:"last_synced_at"`
	LastLocalModified  *time.Time `json:"last_local_modified"`
	LastRemoteModified *time.Time `json:"last_remote_modified"`
	SyncOrigin         string     `gorm:"size:10" json:"sync_origin"`
	Status             string     `gorm:"size:10;not null;default:'ACTIVE'" json:"status"`
	ConflictDataJSON   []byte     `gorm:"type:json" json:"conflict_data"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncLog is the append-only audit trail of every sync attempt. Rows are
// written once and never updated.
type SyncLog struct {
	ID            uint      `gorm:"primary_key" json:"id"`
	BusinessId    string    `gorm:"index;not null" json:"business_id"`
	SyncRunId     uint      `gorm:"index" json:"sync_run_id"`
	CorrelationId string    `gorm:"size:64" json:"correlation_id"`
	EntityType    string    `gorm:"size:20;not null" json:"entity_type"`
	LocalId       int       `json:"local_id"`
	XeroId        string    `gorm:"size:64" json:"xero_id"`
	Operation     string    `gorm:"size:10;not null" json:"operation"`
	Direction     string    `gorm:"size:10" json:"direction"`
	BeforeJSON    []byte    `gorm:"type:json" json:"before"`
	AfterJSON     []byte    `gorm:"type:json" json:"after"`
	Hash          string    `gorm:"size:64" json:"hash"`
	Status        string    `gorm:"size:20" json:"status"`
	Actor         string    `gorm:"size:100" json:"actor"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type XeroSyncError struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	SyncRunId   uint      `gorm:"index;not null" json:"sync_run_id"`
	BusinessId  string    `gorm:"index;not null" json:"business_id"`
	EntityType  string    `gorm:"size:20" json:"entity_type"`
	XeroId      string    `gorm:"size:64" json:"xero_id"`
	ErrorCode   string    `gorm:"size:64" json:"error_code"`
	Message     string    `gorm:"type:text" json:"message"`
	PayloadJSON []byte    `gorm:"type:json" json:"payload"`
	Retryable   bool      `gorm:"default:false" json:"retryable"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}
