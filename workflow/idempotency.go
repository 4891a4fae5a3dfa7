package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/distro_backend/config"
	"bitbucket.org/mmdatafocus/distro_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	// inFlightStaleAfter is how long a STARTED record blocks before it is
	// treated as abandoned (crashed worker) and reclaimed.
	inFlightStaleAfter = 5 * time.Minute

	inFlightPollInterval = 250 * time.Millisecond
	inFlightMaxPolls     = 20
)

// WithIdempotency runs fn inside one DB transaction guarded by a durable
// idempotency record unique on (business_id, operation, op_key).
//
// Semantics:
//   - First caller inserts a STARTED record and runs fn in the same
//     transaction. On success the marshalled result is stored and the record
//     flips to SUCCEEDED; on failure the whole transaction (reservation
//     included) rolls back, so a retry can proceed.
//   - A retry after success returns the stored result without invoking fn
//     (replayed=true).
//   - A concurrent duplicate blocks on the unique-index lock held by the
//     in-flight insert until the first caller commits or rolls back; if the
//     first caller is still running past the bounded wait, the duplicate gets
//     ErrOperationInProgress and retries with the same key.
//   - A key reused with a different request payload gets ErrDuplicateOperation
//     instead of silently replaying the first call's result.
//
// request is the operation's input; its hash is stored with the record.
// result must be a pointer; fn is expected to populate it.
func WithIdempotency(ctx context.Context, db *gorm.DB, logger *logrus.Logger, businessId string, operation string, key string, request any, result any, fn func(tx *gorm.DB) error) (replayed bool, err error) {
	if key == "" {
		return false, ErrMissingIdempotencyKey
	}
	fingerprint, err := requestFingerprint(request)
	if err != nil {
		return false, err
	}

	for poll := 0; ; poll++ {
		var snapshot []byte
		txErr := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			rec := models.IdempotencyRecord{
				BusinessId:         businessId,
				Operation:          operation,
				OpKey:              key,
				Status:             models.IdempotencyStatusStarted,
				RequestFingerprint: fingerprint,
				ExpiresAt:          time.Now().UTC().Add(time.Duration(config.IdempotencyTTLHours()) * time.Hour),
			}
			if createErr := tx.Create(&rec).Error; createErr != nil {
				if !isDuplicateKeyErr(createErr) {
					return classifyDBErr(createErr)
				}

				var existing models.IdempotencyRecord
				if qErr := tx.Where("business_id = ? AND operation = ? AND op_key = ?", businessId, operation, key).
					First(&existing).Error; qErr != nil {
					return classifyDBErr(qErr)
				}
				if existing.RequestFingerprint != fingerprint {
					return ErrDuplicateOperation
				}

				switch existing.Status {
				case models.IdempotencyStatusSucceeded:
					snapshot = existing.ResultSnapshot
					return nil
				case models.IdempotencyStatusStarted:
					if time.Since(existing.UpdatedAt) < inFlightStaleAfter {
						return ErrOperationInProgress
					}
					// Stale in-flight marker from a crashed worker.
					snap, rErr := reclaimIdempotencyRecord(tx, &existing)
					if rErr != nil {
						return rErr
					}
					if snap != nil {
						snapshot = snap
						return nil
					}
				case models.IdempotencyStatusFailed:
					snap, rErr := reclaimIdempotencyRecord(tx, &existing)
					if rErr != nil {
						return rErr
					}
					if snap != nil {
						snapshot = snap
						return nil
					}
				}
			}

			if fnErr := fn(tx); fnErr != nil {
				return fnErr
			}

			b, mErr := json.Marshal(result)
			if mErr != nil {
				return mErr
			}
			now := time.Now().UTC()
			return classifyDBErr(tx.Model(&models.IdempotencyRecord{}).
				Where("business_id = ? AND operation = ? AND op_key = ?", businessId, operation, key).
				Updates(map[string]interface{}{
					"status":          models.IdempotencyStatusSucceeded,
					"result_snapshot": b,
					"completed_at":    &now,
				}).Error)
		})

		if txErr == nil {
			if snapshot != nil {
				if uErr := json.Unmarshal(snapshot, result); uErr != nil {
					return true, uErr
				}
				return true, nil
			}
			return false, nil
		}

		if txErr == ErrOperationInProgress && poll < inFlightMaxPolls {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(inFlightPollInterval):
			}
			continue
		}

		if !IsContentionErr(txErr) && !IsValidationErr(txErr) && !errors.Is(txErr, ErrDuplicateOperation) {
			markIdempotencyFailed(ctx, db, logger, businessId, operation, key, fingerprint, txErr)
		}
		return false, txErr
	}
}

// requestFingerprint hashes the marshalled request so a reused key carrying
// different parameters is detectable.
func requestFingerprint(request any) (string, error) {
	b, err := json.Marshal(request)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// reclaimIdempotencyRecord flips an abandoned or failed record back to
// STARTED. The update is guarded on the status and updated_at just read, so
// only one of several concurrent retries wins the row; a loser re-reads it and
// either replays a result that landed in the meantime or backs off as
// in-flight. Without the guard a loser blocked on the winner's row lock would
// resurrect a SUCCEEDED record after the winner commits and run the operation
// a second time.
func reclaimIdempotencyRecord(tx *gorm.DB, existing *models.IdempotencyRecord) (snapshot []byte, err error) {
	res := tx.Model(&models.IdempotencyRecord{}).
		Where("id = ? AND status = ? AND updated_at = ?", existing.ID, existing.Status, existing.UpdatedAt).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusStarted, "last_error": nil})
	if res.Error != nil {
		return nil, classifyDBErr(res.Error)
	}
	if res.RowsAffected == 1 {
		return nil, nil
	}

	var current models.IdempotencyRecord
	if qErr := tx.Where("id = ?", existing.ID).First(&current).Error; qErr != nil {
		return nil, classifyDBErr(qErr)
	}
	if current.Status == models.IdempotencyStatusSucceeded {
		return current.ResultSnapshot, nil
	}
	return nil, ErrOperationInProgress
}

// markIdempotencyFailed records the failure outside the rolled-back
// transaction, best effort. A FAILED row never blocks a retry.
func markIdempotencyFailed(ctx context.Context, db *gorm.DB, logger *logrus.Logger, businessId string, operation string, key string, fingerprint string, cause error) {
	msg := cause.Error()
	rec := models.IdempotencyRecord{
		BusinessId:         businessId,
		Operation:          operation,
		OpKey:              key,
		Status:             models.IdempotencyStatusFailed,
		LastError:          &msg,
		RequestFingerprint: fingerprint,
		ExpiresAt:          time.Now().UTC().Add(time.Duration(config.IdempotencyTTLHours()) * time.Hour),
	}
	if err := db.WithContext(ctx).Create(&rec).Error; err != nil {
		if isDuplicateKeyErr(err) {
			err = db.WithContext(ctx).Model(&models.IdempotencyRecord{}).
				Where("business_id = ? AND operation = ? AND op_key = ? AND status <> ?",
					businessId, operation, key, models.IdempotencyStatusSucceeded).
				Updates(map[string]interface{}{"status": models.IdempotencyStatusFailed, "last_error": &msg}).Error
		}
		if err != nil {
			config.LogError(logger, "idempotency.go", "markIdempotencyFailed", "record failure", key, err)
		}
	}
}

// PurgeExpiredIdempotencyRecords deletes completed records past their TTL.
// Run from cmd/idempotency-cleanup.
func PurgeExpiredIdempotencyRecords(ctx context.Context, db *gorm.DB) (int64, error) {
	res := db.WithContext(ctx).
		Where("expires_at <= ? AND status <> ?", time.Now().UTC(), models.IdempotencyStatusStarted).
		Delete(&models.IdempotencyRecord{})
	return res.RowsAffected, classifyDBErr(res.Error)
}
