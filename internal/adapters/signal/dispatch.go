package signal

import (
	"context"
	"encoding/json"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/telecare/parley/internal/core"
	"github.com/telecare/parley/internal/domain"
)

func (ctl *Controller) dispatch(ctx context.Context, pid string, c *wsConn, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}
	id := domain.ParticipantID(pid)

	switch env.Type {
	case "ping":
		ctl.sendJSON(c, "pong", nil)
	case "join-session":
		ctl.handleJoin(ctx, id, c, env.Payload)
	case "leave-session":
		ctl.handleLeave(ctx, id, c, env.Payload)
	case "offer":
		if peerTarget(env.Payload) != "" {
			ctl.relayPeer("offer", id, c, env.Payload)
			return
		}
		ctl.handleOffer(id, c, env.Payload)
	case "answer":
		ctl.relayPeer("answer", id, c, env.Payload)
	case "ice-candidate":
		if peerTarget(env.Payload) != "" {
			ctl.relayPeer("ice-candidate", id, c, env.Payload)
			return
		}
		ctl.handleCandidate(c, env.Payload)
	case "media-status":
		ctl.handlePresence(id, c, env.Payload)
	case "chat-message":
		ctl.handleChat(ctx, id, c, env.Payload)
	case "raise-hand":
		ctl.handleRaiseHand(id, c, env.Payload)
	case "peer-message":
		ctl.handlePeerMessage(id, c, env.Payload)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
	}
}

type sessionRef struct {
	SessionID domain.SessionID `json:"sessionId"`
}

func (ctl *Controller) handleJoin(ctx context.Context, pid domain.ParticipantID, c *wsConn, raw json.RawMessage) {
	var req struct {
		SessionID domain.SessionID `json:"sessionId"`
		Role      domain.Role      `json:"role"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		ctl.sendError(c, err)
		return
	}
	if req.Role == "" {
		req.Role = domain.RoleParticipant
	}
	res, err := ctl.reg.Join(ctx, req.SessionID, pid, req.Role)
	if err != nil {
		ctl.sendError(c, err)
		return
	}
	if !res.AdmissionPending {
		ctl.bindCandidateRelay(pid, res.TransportParams.TransportID)
	}
	ctl.sendJSON(c, "join-result", res)
}

func (ctl *Controller) handleLeave(ctx context.Context, pid domain.ParticipantID, c *wsConn, raw json.RawMessage) {
	var req sessionRef
	if err := json.Unmarshal(raw, &req); err != nil {
		ctl.sendError(c, err)
		return
	}
	if err := ctl.reg.Leave(ctx, req.SessionID, pid); err != nil {
		ctl.sendError(c, err)
		return
	}
	ctl.sendJSON(c, "left", req)
}

// bindCandidateRelay forwards the transport's trickle candidates down
// the participant's socket.
func (ctl *Controller) bindCandidateRelay(pid domain.ParticipantID, transportID string) {
	t, ok := ctl.engine.Transport(transportID)
	if !ok {
		return
	}
	t.OnICECandidate(func(cand webrtc.ICECandidateInit) {
		ctl.Send(pid, "ice-candidate", map[string]any{
			"transportId": transportID,
			"candidate":   cand,
		})
	})
}

func (ctl *Controller) handleOffer(pid domain.ParticipantID, c *wsConn, raw json.RawMessage) {
	var req struct {
		TransportID string                    `json:"transportId"`
		SDP         webrtc.SessionDescription `json:"sdp"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		ctl.sendError(c, err)
		return
	}
	t, ok := ctl.engine.Transport(req.TransportID)
	if !ok {
		ctl.sendJSON(c, "error", map[string]string{"kind": "not_found", "message": "unknown transport"})
		return
	}
	ctl.bindCandidateRelay(pid, req.TransportID)
	answer, err := t.Negotiate(req.SDP)
	if err != nil {
		ctl.sendError(c, err)
		return
	}
	ctl.sendJSON(c, "answer", map[string]any{
		"transportId": req.TransportID,
		"sdp":         answer,
	})
}

func (ctl *Controller) handleCandidate(c *wsConn, raw json.RawMessage) {
	var req struct {
		TransportID string                  `json:"transportId"`
		Candidate   webrtc.ICECandidateInit `json:"candidate"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		ctl.sendError(c, err)
		return
	}
	t, ok := ctl.engine.Transport(req.TransportID)
	if !ok {
		return
	}
	if err := t.AddICECandidate(req.Candidate); err != nil {
		log.Debug().Err(err).Str("module", "signal").Msg("add candidate")
	}
}

func (ctl *Controller) handlePresence(pid domain.ParticipantID, c *wsConn, raw json.RawMessage) {
	var req struct {
		SessionID domain.SessionID `json:"sessionId"`
		domain.Presence
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		ctl.sendError(c, err)
		return
	}
	if err := ctl.reg.UpdatePresence(req.SessionID, pid, req.Presence); err != nil {
		ctl.sendError(c, err)
	}
}

func (ctl *Controller) handleChat(ctx context.Context, pid domain.ParticipantID, c *wsConn, raw json.RawMessage) {
	var req struct {
		SessionID domain.SessionID   `json:"sessionId"`
		Content   string             `json:"content"`
		Type      domain.MessageType `json:"type"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		ctl.sendError(c, err)
		return
	}
	msg, err := ctl.reg.SendChat(ctx, req.SessionID, pid, req.Content, req.Type)
	if err != nil {
		ctl.sendError(c, err)
		return
	}
	ctl.sendJSON(c, "chat-message", msg)
}

func (ctl *Controller) handleRaiseHand(pid domain.ParticipantID, c *wsConn, raw json.RawMessage) {
	var req sessionRef
	if err := json.Unmarshal(raw, &req); err != nil {
		ctl.sendError(c, err)
		return
	}
	if err := ctl.reg.RaiseHand(req.SessionID, pid); err != nil {
		ctl.sendError(c, err)
	}
}

// requirePeers checks that both the sender and the relay target are
// current members of the session.
func (ctl *Controller) requirePeers(sid domain.SessionID, from, to domain.ParticipantID) error {
	members, err := ctl.reg.Participants(sid)
	if err != nil {
		return err
	}
	var fromIn, toIn bool
	for _, m := range members {
		if m.ID == from {
			fromIn = true
		}
		if m.ID == to {
			toIn = true
		}
	}
	if !fromIn || !toIn {
		return core.Errorf(core.KindUnauthorized, "peer relay requires both parties in the session")
	}
	return nil
}

// peerTarget reports the relay target of a frame, empty when the frame
// is addressed to the server instead of a peer.
func peerTarget(raw json.RawMessage) domain.ParticipantID {
	var t struct {
		Target domain.ParticipantID `json:"targetParticipantId"`
	}
	_ = json.Unmarshal(raw, &t)
	return t.Target
}

// relayPeer forwards a frame 1:1 to another member of the same session,
// stamping the sender. Used for peer-addressed offer, answer and
// ice-candidate frames and the generic peer-message type.
func (ctl *Controller) relayPeer(typ string, pid domain.ParticipantID, c *wsConn, raw json.RawMessage) {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		ctl.sendError(c, err)
		return
	}
	sid, _ := body["sessionId"].(string)
	target, _ := body["targetParticipantId"].(string)
	if err := ctl.requirePeers(domain.SessionID(sid), pid, domain.ParticipantID(target)); err != nil {
		ctl.sendError(c, err)
		return
	}
	body["fromParticipantId"] = string(pid)
	ctl.Send(domain.ParticipantID(target), typ, body)
}

// handlePeerMessage relays an opaque payload to one participant of the
// same session. The target must actually be a member; anything else is
// rejected without forwarding.
func (ctl *Controller) handlePeerMessage(pid domain.ParticipantID, c *wsConn, raw json.RawMessage) {
	var req struct {
		SessionID domain.SessionID     `json:"sessionId"`
		Target    domain.ParticipantID `json:"targetParticipantId"`
		Data      json.RawMessage      `json:"data"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		ctl.sendError(c, err)
		return
	}
	if err := ctl.requirePeers(req.SessionID, pid, req.Target); err != nil {
		ctl.sendError(c, err)
		return
	}
	ctl.Send(req.Target, "peer-message", map[string]any{
		"sessionId":         req.SessionID,
		"fromParticipantId": pid,
		"data":              req.Data,
	})
}
