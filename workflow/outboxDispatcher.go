package workflow

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/distro_backend/config"
	"bitbucket.org/mmdatafocus/distro_backend/models"
	"bitbucket.org/mmdatafocus/distro_backend/utils"
	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OutboxDispatcher drains committed transition records: claims a batch with
// SKIP LOCKED, routes each to the variant handler, publishes to Pub/Sub, and
// advances the publish status. Exactly one logical consumer; concurrent
// replicas are safe because claiming is row-locked and handlers are
// idempotent (at-least-once delivery).
type OutboxDispatcher struct {
	DB          *gorm.DB
	Logger      *logrus.Logger
	Dispatcher  *Dispatcher
	Topic       *pubsub.Topic
	WorkerID    string
	BatchSize   int
	Interval    time.Duration
	LockTTL     time.Duration
	MaxAttempts int
}

func NewOutboxDispatcher(db *gorm.DB, logger *logrus.Logger, d *Dispatcher, topic *pubsub.Topic) *OutboxDispatcher {
	return &OutboxDispatcher{
		DB:          db,
		Logger:      logger,
		Dispatcher:  d,
		Topic:       topic,
		WorkerID:    "dispatcher-" + uuid.NewString(),
		BatchSize:   50,
		Interval:    2 * time.Second,
		LockTTL:     30 * time.Second,
		MaxAttempts: 8,
	}
}

func (p *OutboxDispatcher) Run(ctx context.Context) {
	if p == nil || p.DB == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.processOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.Interval):
		}
	}
}

// claimBatch marks up to BatchSize due records PROCESSING under this worker.
// Stale PROCESSING rows (a crashed worker's locks past the TTL) are
// re-claimed the same way.
func (p *OutboxDispatcher) claimBatch(ctx context.Context) ([]models.OutboxRecord, error) {
	now := time.Now().UTC()
	staleBefore := now.Add(-p.LockTTL)

	var claimed []models.OutboxRecord
	err := p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.
			Where("publish_status IN ?", []string{models.OutboxPublishStatusPending, models.OutboxPublishStatusFailed}).
			Where("(next_attempt_at IS NULL OR next_attempt_at <= ?)", now).
			Or(tx.Where("publish_status = ?", models.OutboxPublishStatusProcessing).
				Where("locked_at <= ?", staleBefore)).
			Order("id ASC").
			Limit(p.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		for i := range claimed {
			if err := tx.Model(&models.OutboxRecord{}).
				Where("id = ?", claimed[i].ID).
				Updates(map[string]interface{}{
					"publish_status": models.OutboxPublishStatusProcessing,
					"locked_at":      &now,
					"locked_by":      &p.WorkerID,
				}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (p *OutboxDispatcher) processOnce(ctx context.Context) {
	claimed, err := p.claimBatch(ctx)
	if err != nil {
		config.LogError(p.Logger, "outboxDispatcher.go", "processOnce", "claim", p.WorkerID, err)
		return
	}

	for _, rec := range claimed {
		procCtx := utils.SetBusinessIdInContext(ctx, rec.BusinessId)
		procCtx = utils.SetUserNameInContext(procCtx, "System")
		procCtx = utils.SetChannelInContext(procCtx, "job")
		procCtx = utils.SetCorrelationIdInContext(procCtx, rec.CorrelationId)

		// Best-effort cross-instance lock per business. Reliability does not
		// depend on it; row claiming already prevents double delivery.
		release, lockErr := utils.BusinessLock(procCtx, rec.BusinessId, "outbox", "outboxDispatcher.go", "processOnce")

		err := p.deliver(procCtx, &rec)
		if lockErr == nil {
			release()
		}
		if err != nil {
			p.markFailed(ctx, &rec, err)
			continue
		}
		p.markSent(ctx, &rec)
	}
}

// deliver runs the variant handler, then publishes. The handler runs first so
// a handler failure is retried without an already-published duplicate; the
// subscriber side must tolerate redelivery regardless.
func (p *OutboxDispatcher) deliver(ctx context.Context, rec *models.OutboxRecord) error {
	var event TransitionEvent
	if err := json.Unmarshal(rec.Payload, &event); err != nil {
		return err
	}

	if err := p.Dispatcher.Route(event); err != nil {
		return err
	}

	if p.Topic != nil {
		res := p.Topic.Publish(ctx, &pubsub.Message{
			Data: rec.Payload,
			Attributes: map[string]string{
				"business_id":    rec.BusinessId,
				"order_id":       strconv.Itoa(rec.OrderId),
				"order_type":     string(rec.OrderType),
				"to_status":      string(rec.ToStatus),
				"correlation_id": rec.CorrelationId,
			},
		})
		msgId, err := res.Get(ctx)
		if err != nil {
			return err
		}
		rec.PubSubMessageId = &msgId
	}
	return nil
}

func (p *OutboxDispatcher) markSent(ctx context.Context, rec *models.OutboxRecord) {
	now := time.Now().UTC()
	if err := p.DB.WithContext(ctx).Model(&models.OutboxRecord{}).
		Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"publish_status":    models.OutboxPublishStatusSent,
			"published_at":      &now,
			"pubsub_message_id": rec.PubSubMessageId,
			"locked_at":         nil,
			"locked_by":         nil,
		}).Error; err != nil {
		config.LogError(p.Logger, "outboxDispatcher.go", "markSent", "update", rec.ID, err)
	}
}

func (p *OutboxDispatcher) markFailed(ctx context.Context, rec *models.OutboxRecord, cause error) {
	attempts := rec.PublishAttempts + 1
	status := models.OutboxPublishStatusFailed
	var nextAttempt *time.Time
	if attempts >= p.MaxAttempts {
		status = models.OutboxPublishStatusDead
	} else {
		at := time.Now().UTC().Add(backoffDelay(2*time.Second, attempts-1))
		nextAttempt = &at
	}
	errMsg := cause.Error()

	if err := p.DB.WithContext(ctx).Model(&models.OutboxRecord{}).
		Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"publish_status":     status,
			"publish_attempts":   attempts,
			"next_attempt_at":    nextAttempt,
			"last_publish_error": &errMsg,
			"locked_at":          nil,
			"locked_by":          nil,
		}).Error; err != nil {
		config.LogError(p.Logger, "outboxDispatcher.go", "markFailed", "update", rec.ID, err)
		return
	}

	p.Logger.WithFields(logrus.Fields{
		"record_id":   rec.ID,
		"business_id": rec.BusinessId,
		"order_id":    rec.OrderId,
		"attempts":    attempts,
		"status":      status,
	}).Error("outbox delivery failed: " + errMsg)
}

// RequeueDeadRecords flips DEAD records back to PENDING after an operator has
// fixed the underlying cause.
func RequeueDeadRecords(ctx context.Context, db *gorm.DB, businessId string) (int64, error) {
	res := db.WithContext(ctx).Model(&models.OutboxRecord{}).
		Where("business_id = ? AND publish_status = ?", businessId, models.OutboxPublishStatusDead).
		Updates(map[string]interface{}{
			"publish_status":   models.OutboxPublishStatusPending,
			"publish_attempts": 0,
			"next_attempt_at":  nil,
		})
	return res.RowsAffected, res.Error
}
