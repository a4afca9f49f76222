package models

import (
	"time"

	"github.com/google/uuid"
)

type AuditAction string

const (
	AuditActionCreate    AuditAction = "create"
	AuditActionSubmit    AuditAction = "submit"
	AuditActionApprove   AuditAction = "approve"
	AuditActionReject    AuditAction = "reject"
	AuditActionPay       AuditAction = "pay"
	AuditActionDelete    AuditAction = "delete"
	AuditActionAttach    AuditAction = "attach"
	AuditActionDispatch  AuditAction = "dispatch"
	AuditActionReconcile AuditAction = "reconcile"
	AuditActionExpire    AuditAction = "expire"
)

type AuditLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`

	// Nil for system actors (extraction callbacks, the expiry sweeper).
	UserID   *uuid.UUID `gorm:"type:uuid;index" json:"user_id"`
	UserName string     `gorm:"size:100" json:"user_name"`

	EntityType string      `gorm:"size:50;index" json:"entity_type"`
	EntityID   string      `gorm:"size:36;index" json:"entity_id"`
	Action     AuditAction `gorm:"size:20" json:"action"`

	Description string `gorm:"size:255" json:"description"`

	// Before and after snapshots as JSON.
	BeforeData string `gorm:"type:text" json:"before_data"`
	AfterData  string `gorm:"type:text" json:"after_data"`
}
