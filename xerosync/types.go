package xerosync

import (
	"encoding/json"
	"os"
	"time"

	"github.com/mmdatafocus/buildflow_backend/models"
)

// SyncModules toggles which entity families a connection syncs. Stored in
// xero_connections.settings_json.
type SyncModules struct {
	Contacts bool `json:"contacts"`
	Invoices bool `json:"invoices"`
	Payments bool `json:"payments"`
}

type ConnectionSettings struct {
	Modules SyncModules `json:"modules"`
	// AmountVariancePercent tolerates rounding drift between the two systems
	// before an invoice total mismatch counts as a conflict.
	AmountVariancePercent float64 `json:"amount_variance_percent"`
}

func DefaultConnectionSettings() ConnectionSettings {
	return ConnectionSettings{
		Modules:               SyncModules{Contacts: true, Invoices: true, Payments: true},
		AmountVariancePercent: 5,
	}
}

func DecodeConnectionSettings(raw []byte) ConnectionSettings {
	settings := DefaultConnectionSettings()
	if len(raw) == 0 {
		return settings
	}
	if err := json.Unmarshal(raw, &settings); err != nil {
		return DefaultConnectionSettings()
	}
	if settings.AmountVariancePercent <= 0 {
		settings.AmountVariancePercent = 5
	}
	return settings
}

func EncodeConnectionSettings(settings ConnectionSettings) []byte {
	raw, _ := json.Marshal(settings)
	return raw
}

// Contact fallback policy for invoices whose Xero contact has not synced yet.
const (
	ContactFallbackSkip    = "skip"
	ContactFallbackGeneral = "general"
)

// contactFallbackPolicy reads XERO_SYNC_CONTACT_FALLBACK; "general" routes
// orphaned invoices to an auto-created placeholder contact instead of skipping.
func contactFallbackPolicy() string {
	if os.Getenv("XERO_SYNC_CONTACT_FALLBACK") == ContactFallbackGeneral {
		return ContactFallbackGeneral
	}
	return ContactFallbackSkip
}

// RunCounters accumulates per-run outcome totals; serialized into
// xero_sync_runs.counters_json when the run finishes.
type RunCounters struct {
	Fetched   int `json:"fetched"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Skipped   int `json:"skipped"`
	Conflicts int `json:"conflicts"`
	Errors    int `json:"errors"`
}

func (c RunCounters) Processed() int {
	return c.Created + c.Updated + c.Skipped + c.Conflicts + c.Errors
}

func (c RunCounters) Encode() []byte {
	raw, _ := json.Marshal(c)
	return raw
}

// SyncQueuePayload rides the pub/sub message from the trigger endpoint to the
// worker.
type SyncQueuePayload struct {
	SyncRunId     uint   `json:"sync_run_id"`
	BusinessId    string `json:"business_id"`
	CorrelationId string `json:"correlation_id"`
}

/* Request / response DTOs */

type ConnectRequest struct {
	TenantId     string `json:"tenant_id" binding:"required"`
	TenantName   string `json:"tenant_name"`
	AccessToken  string `json:"access_token" binding:"required"`
	RefreshToken string `json:"refresh_token" binding:"required"`
	ExpiresIn    int    `json:"expires_in"`
}

type TriggerSyncRequest struct {
	EntityType string `json:"entity_type" binding:"required,oneof=contact invoice payment"`
	Direction  string `json:"direction" binding:"required,oneof=pull push"`
	DryRun     bool   `json:"dry_run"`
}

type ResolveConflictRequest struct {
	// Resolution is use_local, use_remote or manual.
	Resolution string            `json:"resolution" binding:"required,oneof=use_local use_remote manual"`
	Fields     map[string]string `json:"fields"`
}

type SyncStatusResponse struct {
	Status            string          `json:"status"`
	TenantName        string          `json:"tenant_name"`
	Modules           SyncModules     `json:"modules"`
	LastSyncAt        *time.Time      `json:"last_sync_at"`
	LastSuccessSyncAt *time.Time      `json:"last_success_sync_at"`
	ActiveRun         *RunSummary     `json:"active_run"`
	LastRun           *RunSummary     `json:"last_run,omitempty"`
	LiveProgress      json.RawMessage `json:"live_progress,omitempty"`
	PendingConflicts  int64           `json:"pending_conflicts"`
}

type RunSummary struct {
	ID          uint        `json:"id"`
	EntityType  string      `json:"entity_type"`
	Direction   string      `json:"direction"`
	DryRun      bool        `json:"dry_run"`
	Status      string      `json:"status"`
	TriggeredBy string      `json:"triggered_by"`
	Counters    RunCounters `json:"counters"`
	Error       string      `json:"error,omitempty"`
	StartedAt   *time.Time  `json:"started_at"`
	FinishedAt  *time.Time  `json:"finished_at"`
	DurationMs  int64       `json:"duration_ms"`
}

func runSummaryFromModel(run models.XeroSyncRun) RunSummary {
	var counters RunCounters
	if len(run.CountersJSON) > 0 {
		_ = json.Unmarshal(run.CountersJSON, &counters)
	}
	return RunSummary{
		ID:          run.ID,
		EntityType:  run.EntityType,
		Direction:   run.Direction,
		DryRun:      run.DryRun,
		Status:      run.Status,
		TriggeredBy: run.TriggeredBy,
		Counters:    counters,
		Error:       run.ErrorMessage,
		StartedAt:   run.StartedAt,
		FinishedAt:  run.FinishedAt,
		DurationMs:  run.DurationMs,
	}
}

// ConflictField is one disputed field inside sync_states.conflict_data_json.
type ConflictField struct {
	Field       string `json:"field"`
	LocalValue  string `json:"local_value"`
	RemoteValue string `json:"remote_value"`
}

type ConflictRecord struct {
	StateId    uint            `json:"state_id"`
	EntityType string          `json:"entity_type"`
	LocalId    int             `json:"local_id"`
	XeroId     string          `json:"xero_id"`
	LocalName  string          `json:"local_name,omitempty"`
	DetectedAt time.Time       `json:"detected_at"`
	Fields     []ConflictField `json:"fields"`
}
