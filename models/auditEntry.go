package models

import (
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/distro_backend/utils"
	"gorm.io/gorm"
)

// AuditEntry is the append-only audit trail: who changed what, before/after
// snapshots, and the document that triggered it. Written inside the same
// transaction as the mutation it records.
type AuditEntry struct {
	ID            int           `gorm:"primary_key" json:"id"`
	BusinessId    string        `gorm:"size:64;index;not null" json:"business_id"`
	ActionType    string        `gorm:"size:20;not null" json:"action_type"`
	Before        string        `gorm:"type:text" json:"before"`
	After         string        `gorm:"type:text" json:"after"`
	Description   string        `gorm:"type:text;not null" json:"description"`
	ReferenceId   int           `gorm:"index" json:"reference_id"`
	ReferenceType ReferenceType `gorm:"size:10" json:"reference_type"`
	UserId        int           `gorm:"index" json:"user_id"`
	UserName      string        `gorm:"size:100" json:"user_name"`
	Channel       string        `gorm:"size:20" json:"channel"`
	CorrelationId string        `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time     `gorm:"autoCreateTime" json:"created_at"`
}

// SaveAudit appends one audit entry. User/channel/correlation come from the
// statement context; jobs without user context record user_id 0 / "system".
func SaveAudit(tx *gorm.DB, businessId string, actionType string, referenceId int, referenceType ReferenceType, before any, after any, description string) error {
	b, _ := json.Marshal(before)
	a, _ := json.Marshal(after)

	ctx := tx.Statement.Context
	userId, _ := utils.GetUserIdFromContext(ctx)
	userName, ok := utils.GetUserNameFromContext(ctx)
	if !ok || userName == "" {
		userName = "system"
	}
	channel, _ := utils.GetChannelFromContext(ctx)
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)

	entry := AuditEntry{
		BusinessId:    businessId,
		ActionType:    actionType,
		Before:        string(b),
		After:         string(a),
		Description:   description,
		ReferenceId:   referenceId,
		ReferenceType: referenceType,
		UserId:        userId,
		UserName:      userName,
		Channel:       channel,
		CorrelationId: correlationId,
	}
	return tx.Create(&entry).Error
}
