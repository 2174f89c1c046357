package xerosync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"

	"cloud.google.com/go/pubsub"
	"github.com/bsm/redislock"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/buildflow_backend/config"
	"github.com/mmdatafocus/buildflow_backend/utils"
)

// PubSubPushEnvelope is the wrapper Google wraps around a push delivery.
type PubSubPushEnvelope struct {
	Message struct {
		Data      []byte `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// PublishSyncRun queues a run for the worker. When pub/sub is not configured
// the run is processed inline so local development needs no emulator.
func PublishSyncRun(ctx context.Context, payload SyncQueuePayload) error {
	if envBoolDefault("XERO_SYNC_INLINE", false) {
		go func() {
			bg := utils.SetCorrelationIdInContext(context.Background(), payload.CorrelationId)
			_ = ProcessSyncRun(bg, payload.SyncRunId)
		}()
		return nil
	}

	topicName := strings.TrimSpace(os.Getenv("XERO_SYNC_TOPIC"))
	if topicName == "" {
		topicName = "xero-sync"
	}

	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}

	topic := client.Topic(topicName)
	if envBoolDefault("XERO_SYNC_CREATE_TOPIC", false) {
		topic, err = config.CreateTopicIfNotExists(client, topicName)
		if err != nil {
			return err
		}
	}

	data, _ := json.Marshal(payload)
	res := topic.Publish(ctx, &pubsub.Message{Data: data})
	_, err = res.Get(ctx)
	return err
}

// PubSubPushHandler receives the push subscription delivery. Always answers
// 204: pub/sub retries on non-2xx, and a poisonous message must not loop
// forever. Run-level idempotency makes redelivery harmless.
func PubSubPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !envBoolDefault("ENABLE_XERO_PUBSUB_PUSH_ENDPOINT", true) {
			c.Status(204)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(204)
			return
		}

		var payload SyncQueuePayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			c.Status(204)
			return
		}
		if payload.SyncRunId == 0 || payload.BusinessId == "" {
			c.Status(204)
			return
		}

		ctx := utils.SetCorrelationIdInContext(c.Request.Context(), payload.CorrelationId)
		if err := ProcessSyncRun(ctx, payload.SyncRunId); err != nil {
			config.LogError(config.GetLogger(), "xerosync", "PubSubPushHandler", "sync run failed", payload.SyncRunId, err)
			c.Status(pubsubAckStatus(err))
			return
		}
		c.Status(204)
	}
}

// pubsubAckStatus decides whether the delivery is acked. Lock contention is
// the one error worth a redelivery: the run is still queued and the scope is
// held by another worker, so a later attempt can pick it up. Everything else
// acks, since the run row already carries the failure and a poisonous message
// must not loop forever.
func pubsubAckStatus(err error) int {
	if errors.Is(err, redislock.ErrNotObtained) {
		return http.StatusServiceUnavailable
	}
	return http.StatusNoContent
}

func envBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}
