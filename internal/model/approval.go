package model

import (
	"time"

	"github.com/google/uuid"
)

// ApprovalStatus is the lifecycle state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalGranted  ApprovalStatus = "granted"
	ApprovalRejected ApprovalStatus = "rejected"
)

// ApprovalRequest holds bounded actions awaiting a human decision. Created
// when policy evaluation requires roles; resolved exactly once.
type ApprovalRequest struct {
	ID            uuid.UUID          `json:"id"`
	InstanceID    *uuid.UUID         `json:"instance_id,omitempty"`
	Playbook      string             `json:"playbook"`
	RequiredRoles []string           `json:"required_roles"`
	Actions       []ActionDescriptor `json:"actions"`
	Rationale     string             `json:"rationale,omitempty"`
	Status        ApprovalStatus     `json:"status"`
	ResolvedBy    *string            `json:"resolved_by,omitempty"`
	ResolvedAt    *time.Time         `json:"resolved_at,omitempty"`
	Reason        *string            `json:"reason,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
}
