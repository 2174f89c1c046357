package xerosync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/buildflow_backend/config"
	"github.com/mmdatafocus/buildflow_backend/models"
	"github.com/mmdatafocus/buildflow_backend/utils"
	"gorm.io/gorm"
)

// RegisterRoutes mounts the sync API under the given group. The group is
// expected to carry the session middleware already.
func RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/status", StatusHandler())
	r.POST("/connect", ConnectHandler())
	r.POST("/disconnect", DisconnectHandler())
	r.PUT("/settings", UpdateSettingsHandler())
	r.POST("/sync", TriggerSyncHandler())
	r.GET("/runs", SyncHistoryHandler())
	r.GET("/runs/:id", SyncRunDetailHandler())
	r.POST("/runs/:id/retry", RetrySyncRunHandler())
	r.POST("/runs/:id/cancel", CancelSyncRunHandler())
	r.GET("/conflicts", ConflictListHandler())
	r.POST("/conflicts/:id/resolve", ResolveConflictHandler())
}

func resolveBusinessID(c *gin.Context) (string, error) {
	businessId, ok := utils.GetBusinessIdFromContext(c.Request.Context())
	if !ok || strings.TrimSpace(businessId) == "" {
		return "", errors.New("unauthorized")
	}
	return businessId, nil
}

func getConnection(ctx context.Context, db *gorm.DB, businessId string) (*models.XeroConnection, error) {
	var conn models.XeroConnection
	err := db.WithContext(ctx).
		Where("business_id = ? AND provider = ?", businessId, models.IntegrationProviderXero).
		Take(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &conn, nil
}

func StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		ctx := c.Request.Context()
		db := config.GetDB()

		conn, err := getConnection(ctx, db, businessId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil {
			c.JSON(http.StatusOK, SyncStatusResponse{
				Status:  models.IntegrationStatusDisconnected,
				Modules: DefaultConnectionSettings().Modules,
			})
			return
		}

		settings := DecodeConnectionSettings(conn.SettingsJSON)
		resp := SyncStatusResponse{
			Status:            conn.Status,
			TenantName:        conn.TenantName,
			Modules:           settings.Modules,
			LastSyncAt:        conn.LastSyncAt,
			LastSuccessSyncAt: conn.LastSuccessSyncAt,
		}

		var active models.XeroSyncRun
		err = db.WithContext(ctx).
			Where("business_id = ? AND status IN ?", businessId,
				[]string{models.SyncRunStatusQueued, models.SyncRunStatusRunning}).
			Order("id desc").
			Take(&active).Error
		if err == nil {
			summary := runSummaryFromModel(active)
			resp.ActiveRun = &summary
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if err := db.WithContext(ctx).Model(&models.SyncState{}).
			Where("business_id = ? AND status = ?", businessId, models.SyncStateConflict).
			Count(&resp.PendingConflicts).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		// Best effort: redis carries the worker's live snapshot and the last
		// terminal summary; missing keys just leave the fields empty.
		if raw, ok, err := config.GetRedisValue(progressKey(businessId)); err == nil && ok {
			resp.LiveProgress = json.RawMessage(raw)
		}
		var lastRun RunSummary
		if ok, err := config.GetRedisObject(lastRunKey(businessId), &lastRun); err == nil && ok {
			resp.LastRun = &lastRun
		}

		c.JSON(http.StatusOK, resp)
	}
}

func ConnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req ConnectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, utils.ProcessValidationErrors(err))
			return
		}

		ctx := c.Request.Context()
		db := config.GetDB()

		conn, err := getConnection(ctx, db, businessId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		expiresAt := time.Now().Add(time.Duration(req.ExpiresIn) * time.Second)
		tenantName := strings.TrimSpace(req.TenantName)
		if tenantName == "" {
			tenantName = req.TenantId
		}

		if conn == nil {
			conn = &models.XeroConnection{
				BusinessId:     businessId,
				Provider:       models.IntegrationProviderXero,
				Status:         models.IntegrationStatusConnected,
				TenantId:       req.TenantId,
				TenantName:     tenantName,
				AccessToken:    req.AccessToken,
				RefreshToken:   req.RefreshToken,
				TokenExpiresAt: &expiresAt,
				SettingsJSON:   EncodeConnectionSettings(DefaultConnectionSettings()),
			}
			if err := db.WithContext(ctx).Create(conn).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		} else {
			update := map[string]interface{}{
				"status":           models.IntegrationStatusConnected,
				"tenant_id":        req.TenantId,
				"tenant_name":      tenantName,
				"access_token":     req.AccessToken,
				"refresh_token":    req.RefreshToken,
				"token_expires_at": &expiresAt,
			}
			if len(conn.SettingsJSON) == 0 {
				update["settings_json"] = EncodeConnectionSettings(DefaultConnectionSettings())
			}
			if err := db.WithContext(ctx).Model(conn).Updates(update).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}

		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func DisconnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		ctx := c.Request.Context()
		db := config.GetDB()

		conn, err := getConnection(ctx, db, businessId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil {
			c.JSON(http.StatusOK, gin.H{"success": true})
			return
		}

		// Sync state rows survive a disconnect so a reconnect resumes instead
		// of re-importing everything.
		if err := db.WithContext(ctx).Model(conn).Updates(map[string]interface{}{
			"status":        models.IntegrationStatusDisconnected,
			"access_token":  "",
			"refresh_token": "",
		}).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		// Cached snapshots must not outlive the connection.
		if err := config.RemoveRedisKey(progressKey(businessId), lastRunKey(businessId)); err != nil {
			config.LogError(config.GetLogger(), "xerosync", "DisconnectHandler", "failed to drop cached sync snapshots", businessId, err)
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func UpdateSettingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req ConnectionSettings
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if req.AmountVariancePercent <= 0 {
			req.AmountVariancePercent = DefaultConnectionSettings().AmountVariancePercent
		}

		ctx := c.Request.Context()
		db := config.GetDB()
		conn, err := getConnection(ctx, db, businessId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil {
			c.JSON(http.StatusConflict, gin.H{"error": "xero is not connected"})
			return
		}

		if err := db.WithContext(ctx).Model(conn).
			Update("settings_json", EncodeConnectionSettings(req)).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func TriggerSyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req TriggerSyncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, utils.ProcessValidationErrors(err))
			return
		}

		ctx := c.Request.Context()
		db := config.GetDB()

		conn, err := getConnection(ctx, db, businessId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil || conn.Status != models.IntegrationStatusConnected {
			c.JSON(http.StatusConflict, gin.H{"error": "xero is not connected"})
			return
		}

		settings := DecodeConnectionSettings(conn.SettingsJSON)
		if !moduleEnabled(settings.Modules, req.EntityType) {
			c.JSON(http.StatusConflict, gin.H{"error": "module " + req.EntityType + " is disabled"})
			return
		}

		// Refuse a second concurrent run for the same scope up front; the
		// worker lock is the real guarantee.
		var pending int64
		if err := db.WithContext(ctx).Model(&models.XeroSyncRun{}).
			Where("business_id = ? AND entity_type = ? AND direction = ? AND status IN ?",
				businessId, req.EntityType, req.Direction,
				[]string{models.SyncRunStatusQueued, models.SyncRunStatusRunning}).
			Count(&pending).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if pending > 0 {
			c.JSON(http.StatusConflict, gin.H{"error": "a sync for this entity and direction is already in progress"})
			return
		}

		run := models.XeroSyncRun{
			BusinessId:   businessId,
			ConnectionId: conn.ID,
			EntityType:   req.EntityType,
			Direction:    req.Direction,
			DryRun:       req.DryRun,
			Status:       models.SyncRunStatusQueued,
			TriggeredBy:  models.SyncTriggeredManual,
		}
		if err := db.WithContext(ctx).Create(&run).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		correlationId, ok := utils.GetCorrelationIdFromContext(ctx)
		if !ok || correlationId == "" {
			correlationId = uuid.New().String()
		}
		if err := PublishSyncRun(ctx, SyncQueuePayload{
			SyncRunId:     run.ID,
			BusinessId:    businessId,
			CorrelationId: correlationId,
		}); err != nil {
			config.LogError(config.GetLogger(), "xerosync", "TriggerSyncHandler", "failed to publish sync run", run.ID, err)
		}

		c.JSON(http.StatusOK, gin.H{"id": run.ID})
	}
}

func SyncHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		limit := 20
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}

		ctx := c.Request.Context()
		var runs []models.XeroSyncRun
		if err := config.GetDB().WithContext(ctx).
			Where("business_id = ?", businessId).
			Order("id desc").
			Limit(limit).
			Find(&runs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		items := make([]RunSummary, 0, len(runs))
		for _, run := range runs {
			items = append(items, runSummaryFromModel(run))
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}

func SyncRunDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		ctx := c.Request.Context()
		db := config.GetDB()

		var run models.XeroSyncRun
		if err := db.WithContext(ctx).
			Where("id = ? AND business_id = ?", id, businessId).
			Take(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		var errs []models.XeroSyncError
		if err := db.WithContext(ctx).
			Where("sync_run_id = ?", run.ID).
			Order("id desc").
			Find(&errs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"run":    runSummaryFromModel(run),
			"errors": errs,
		})
	}
}

func RetrySyncRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		ctx := c.Request.Context()
		db := config.GetDB()

		var run models.XeroSyncRun
		if err := db.WithContext(ctx).
			Where("id = ? AND business_id = ?", id, businessId).
			Take(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		newRun := models.XeroSyncRun{
			BusinessId:   businessId,
			ConnectionId: run.ConnectionId,
			EntityType:   run.EntityType,
			Direction:    run.Direction,
			DryRun:       run.DryRun,
			Status:       models.SyncRunStatusQueued,
			TriggeredBy:  models.SyncTriggeredRetry,
			ParentRunId:  &run.ID,
		}
		if err := db.WithContext(ctx).Create(&newRun).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		correlationId, ok := utils.GetCorrelationIdFromContext(ctx)
		if !ok || correlationId == "" {
			correlationId = uuid.New().String()
		}
		if err := PublishSyncRun(ctx, SyncQueuePayload{
			SyncRunId:     newRun.ID,
			BusinessId:    businessId,
			CorrelationId: correlationId,
		}); err != nil {
			config.LogError(config.GetLogger(), "xerosync", "RetrySyncRunHandler", "failed to publish sync run", newRun.ID, err)
		}

		c.JSON(http.StatusOK, gin.H{"id": newRun.ID})
	}
}

func CancelSyncRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		ctx := c.Request.Context()
		db := config.GetDB()

		var run models.XeroSyncRun
		if err := db.WithContext(ctx).
			Where("id = ? AND business_id = ?", id, businessId).
			Take(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if run.Status != models.SyncRunStatusQueued && run.Status != models.SyncRunStatusRunning {
			c.JSON(http.StatusConflict, gin.H{"error": "run already finished"})
			return
		}

		updates := map[string]interface{}{"cancel_requested": true}
		if run.Status == models.SyncRunStatusQueued {
			// Never started; cancel it outright.
			now := time.Now().UTC()
			updates["status"] = models.SyncRunStatusCanceled
			updates["finished_at"] = &now
		}
		if err := db.WithContext(ctx).Model(&models.XeroSyncRun{}).
			Where("id = ?", run.ID).
			Updates(updates).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func ConflictListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		ctx := c.Request.Context()
		var states []models.SyncState
		if err := config.GetDB().WithContext(ctx).
			Where("business_id = ? AND status = ?", businessId, models.SyncStateConflict).
			Order("id").
			Find(&states).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		items := make([]ConflictRecord, 0, len(states))
		for _, state := range states {
			var record ConflictRecord
			if len(state.ConflictDataJSON) > 0 {
				if err := json.Unmarshal(state.ConflictDataJSON, &record); err != nil {
					continue
				}
			}
			record.StateId = state.ID
			record.EntityType = state.EntityType
			record.LocalId = state.LocalId
			record.XeroId = state.XeroId
			record.LocalName = conflictLocalName(ctx, businessId, state)
			items = append(items, record)
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}

// conflictLocalName resolves the display name of the conflicted local record,
// best effort; the list stays useful even if the row went missing.
func conflictLocalName(ctx context.Context, businessId string, state models.SyncState) string {
	switch state.EntityType {
	case models.SyncEntityCustomer:
		if customer, err := models.GetCustomerById(ctx, businessId, state.LocalId); err == nil {
			return customer.Name
		}
	case models.SyncEntitySupplier:
		if supplier, err := models.GetSupplierById(ctx, businessId, state.LocalId); err == nil {
			return supplier.Name
		}
	case models.SyncEntityInvoice:
		var invoice models.Invoice
		err := config.GetDB().WithContext(ctx).
			Select("invoice_number").
			Where("id = ? AND business_id = ?", state.LocalId, businessId).
			Take(&invoice).Error
		if err == nil {
			return invoice.InvoiceNumber
		}
	}
	return ""
}

func ResolveConflictHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid state id"})
			return
		}

		var req ResolveConflictRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, utils.ProcessValidationErrors(err))
			return
		}

		actor, _ := utils.GetUsernameFromContext(c.Request.Context())
		if err := ResolveConflict(c.Request.Context(), businessId, uint(id), req, actor); err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}
