package app

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/telecare/parley/internal/core"
	"github.com/telecare/parley/internal/domain"
)

// chatLog is a fixed-capacity ring of the most recent messages.
type chatLog struct {
	buf   []domain.ChatMessage
	start int
	n     int
}

func newChatLog(capacity int) *chatLog {
	if capacity <= 0 {
		capacity = domain.DefaultSessionOptions().ChatRingSize
	}
	return &chatLog{buf: make([]domain.ChatMessage, capacity)}
}

func (c *chatLog) append(msg domain.ChatMessage) {
	if c.n < len(c.buf) {
		c.buf[(c.start+c.n)%len(c.buf)] = msg
		c.n++
		return
	}
	c.buf[c.start] = msg
	c.start = (c.start + 1) % len(c.buf)
}

// snapshot returns the retained messages oldest-first.
func (c *chatLog) snapshot() []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, c.n)
	for i := 0; i < c.n; i++ {
		out = append(out, c.buf[(c.start+i)%len(c.buf)])
	}
	return out
}

// SendChat appends a message to the session ring and broadcasts it to
// every other participant. Archiving is best-effort and never fails
// the send.
func (r *Registry) SendChat(ctx context.Context, sid domain.SessionID, sender domain.ParticipantID, content string, typ domain.MessageType) (domain.ChatMessage, error) {
	s, err := r.get(sid)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	if typ == "" {
		typ = domain.MessageText
	}

	s.mu.Lock()
	if !s.meta.Options.Chat {
		s.mu.Unlock()
		return domain.ChatMessage{}, core.Errorf(core.KindFeatureDisabled, "chat is disabled for session %s", sid)
	}
	if _, ok := s.participants[sender]; !ok {
		s.mu.Unlock()
		return domain.ChatMessage{}, core.Errorf(core.KindNotFound, "participant %s is not in session %s", sender, sid)
	}
	msg := domain.ChatMessage{
		ID:        uuid.NewString(),
		SessionID: sid,
		SenderID:  sender,
		Content:   content,
		Timestamp: time.Now(),
		Type:      typ,
	}
	s.chat.append(msg)
	retain := s.meta.Options.ChatRetentionDays > 0
	others := s.othersLocked(sender)
	s.mu.Unlock()

	if retain && r.archiver != nil {
		if err := r.archiver.Archive(ctx, msg); err != nil {
			log.Warn().Err(err).Str("module", "app.chat").
				Str("session", string(sid)).
				Msg("chat archive failed")
		}
	}
	r.fanOut(others, "chat-message", msg)
	return msg, nil
}

// HistoryQuery filters a chat history read. Zero values mean no filter;
// Limit defaults to 50.
type HistoryQuery struct {
	Since  time.Time
	Until  time.Time
	Offset int
	Limit  int
}

// ChatHistory reads from the in-memory ring only; anything the ring has
// evicted is gone regardless of retention settings.
func (r *Registry) ChatHistory(sid domain.SessionID, q HistoryQuery) ([]domain.ChatMessage, error) {
	s, err := r.get(sid)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	all := s.chat.snapshot()
	s.mu.Unlock()

	filtered := all[:0]
	for _, m := range all {
		if !q.Since.IsZero() && m.Timestamp.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && m.Timestamp.After(q.Until) {
			continue
		}
		filtered = append(filtered, m)
	}
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Offset >= len(filtered) {
		return []domain.ChatMessage{}, nil
	}
	filtered = filtered[q.Offset:]
	if len(filtered) > q.Limit {
		filtered = filtered[:q.Limit]
	}
	return filtered, nil
}

type presencePayload struct {
	SessionID     domain.SessionID     `json:"sessionId"`
	ParticipantID domain.ParticipantID `json:"participantId"`
	domain.Presence
}

// UpdatePresence records a participant's last-known media status and
// broadcasts it to the rest of the session.
func (r *Registry) UpdatePresence(sid domain.SessionID, pid domain.ParticipantID, p domain.Presence) error {
	s, err := r.get(sid)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if _, ok := s.participants[pid]; !ok {
		s.mu.Unlock()
		return core.Errorf(core.KindNotFound, "participant %s is not in session %s", pid, sid)
	}
	s.presence[pid] = p
	others := s.othersLocked(pid)
	s.mu.Unlock()

	r.fanOut(others, "peer-media-status", presencePayload{
		SessionID: sid, ParticipantID: pid, Presence: p,
	})
	return nil
}

// RaiseHand relays a hand-raise signal; there is no raised/lowered
// state kept server-side.
func (r *Registry) RaiseHand(sid domain.SessionID, pid domain.ParticipantID) error {
	s, err := r.get(sid)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if _, ok := s.participants[pid]; !ok {
		s.mu.Unlock()
		return core.Errorf(core.KindNotFound, "participant %s is not in session %s", pid, sid)
	}
	others := s.othersLocked(pid)
	s.mu.Unlock()

	r.fanOut(others, "peer-raised-hand", map[string]any{
		"sessionId":     sid,
		"participantId": pid,
	})
	return nil
}
