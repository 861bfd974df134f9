package domain

import "time"

type MessageType string

const (
	MessageText   MessageType = "text"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

// ChatMessage is ephemeral by default: it lives in a bounded in-memory
// ring and is only handed to an external sink when retention is on.
type ChatMessage struct {
	ID        string        `json:"id"`
	SessionID SessionID     `json:"sessionId"`
	SenderID  ParticipantID `json:"senderId"`
	Content   string        `json:"content"`
	Timestamp time.Time     `json:"timestamp"`
	Type      MessageType   `json:"type"`
}
