// Package domain contains entity without logic, just meta-data
package domain

import "time"

type (
	SessionID     string
	ParticipantID string
	ContextType   string
	Role          string
)

const (
	ContextTherapy ContextType = "therapy"
	ContextChat    ContextType = "chat"
)

const (
	RoleHost        Role = "host"
	RoleParticipant Role = "participant"
)

type SessionStatus string

const (
	SessionPending SessionStatus = "pending"
	SessionActive  SessionStatus = "active"
	SessionEnded   SessionStatus = "ended"
)

// Session is the live counterpart of an external scheduling record.
// Participant membership and media resources live in the registry,
// not here.
type Session struct {
	ID          SessionID      `json:"id"`
	ContextType ContextType    `json:"contextType"`
	ContextID   string         `json:"contextId"`
	Status      SessionStatus  `json:"status"`
	StartedBy   ParticipantID  `json:"startedBy"`
	CreatedAt   time.Time      `json:"createdAt"`
	EndedAt     time.Time      `json:"endedAt,omitzero"`
	Options     SessionOptions `json:"options"`
}
