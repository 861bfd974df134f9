package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/telecare/parley/internal/app"
	"github.com/telecare/parley/internal/core"
	"github.com/telecare/parley/internal/domain"
)

type Handlers struct {
	Reg *app.Registry
}

func caller(c *gin.Context) domain.ParticipantID {
	return domain.ParticipantID(c.GetString("client_token"))
}

// respondErr maps the error taxonomy onto HTTP statuses.
func respondErr(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch core.KindOf(err) {
	case core.KindNotFound:
		status = http.StatusNotFound
	case core.KindInvalidState, core.KindFeatureDisabled:
		status = http.StatusConflict
	case core.KindUnauthorized:
		status = http.StatusForbidden
	case core.KindCapabilityMismatch:
		status = http.StatusUnprocessableEntity
	case core.KindEngineFailure:
		status = http.StatusBadGateway
	}
	if status == http.StatusBadGateway || status == http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Msg("request failed")
	}
	c.JSON(status, gin.H{
		"error": err.Error(),
		"kind":  string(core.KindOf(err)),
	})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

type createSessionRequest struct {
	ContextType domain.ContextType `json:"contextType" binding:"required"`
	ContextID   string             `json:"contextId" binding:"required"`
	Options     json.RawMessage    `json:"options"`
	ReuseActive bool               `json:"reuseActive"`
}

func (h *Handlers) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	opts, err := domain.DecodeSessionOptions(req.Options)
	if err != nil {
		badRequest(c, err)
		return
	}
	view, err := h.Reg.CreateSession(c.Request.Context(), app.CreateParams{
		ContextType: req.ContextType,
		ContextID:   req.ContextID,
		StartedBy:   caller(c),
		Options:     opts,
		ReuseActive: req.ReuseActive,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

func sid(c *gin.Context) domain.SessionID {
	return domain.SessionID(c.Param("id"))
}

func (h *Handlers) GetSession(c *gin.Context) {
	view, err := h.Reg.Session(sid(c))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handlers) EndSession(c *gin.Context) {
	if err := h.Reg.End(c.Request.Context(), sid(c), caller(c)); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) Participants(c *gin.Context) {
	views, err := h.Reg.Participants(sid(c))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, views)
}

func (h *Handlers) Stats(c *gin.Context) {
	stats, err := h.Reg.Stats(sid(c))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handlers) GlobalStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.Reg.GlobalStats())
}

func (h *Handlers) UpdateSettings(c *gin.Context) {
	var patch domain.OptionsPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, err)
		return
	}
	opts, err := h.Reg.UpdateSettings(sid(c), caller(c), patch)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, opts)
}

type joinRequest struct {
	Role domain.Role `json:"role"`
}

func (h *Handlers) Join(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		badRequest(c, err)
		return
	}
	if req.Role == "" {
		req.Role = domain.RoleParticipant
	}
	res, err := h.Reg.Join(c.Request.Context(), sid(c), caller(c), req.Role)
	if err != nil {
		respondErr(c, err)
		return
	}
	if res.AdmissionPending {
		c.JSON(http.StatusAccepted, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handlers) Leave(c *gin.Context) {
	if err := h.Reg.Leave(c.Request.Context(), sid(c), caller(c)); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) DisconnectParticipant(c *gin.Context) {
	target := domain.ParticipantID(c.Param("pid"))
	if err := h.Reg.DisconnectParticipant(c.Request.Context(), sid(c), caller(c), target); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) WaitingRoom(c *gin.Context) {
	views, err := h.Reg.WaitingRoom(sid(c), caller(c))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, views)
}

func (h *Handlers) Admit(c *gin.Context) {
	pid := domain.ParticipantID(c.Param("pid"))
	res, err := h.Reg.Admit(c.Request.Context(), sid(c), caller(c), pid)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handlers) Reject(c *gin.Context) {
	pid := domain.ParticipantID(c.Param("pid"))
	if err := h.Reg.Reject(c.Request.Context(), sid(c), caller(c), pid); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type produceRequest struct {
	Kind          domain.MediaKind   `json:"kind" binding:"required"`
	Source        domain.TrackSource `json:"source"`
	RTPParameters json.RawMessage    `json:"rtpParameters"`
}

func (h *Handlers) Produce(c *gin.Context) {
	var req produceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	view, err := h.Reg.Produce(c.Request.Context(), sid(c), caller(c), req.Kind, core.RTPParameters(req.RTPParameters), req.Source)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

func (h *Handlers) CloseProducer(c *gin.Context) {
	if err := h.Reg.CloseProducer(c.Request.Context(), sid(c), caller(c), c.Param("producerId")); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type consumeRequest struct {
	ProducerID   string            `json:"producerId" binding:"required"`
	Capabilities core.Capabilities `json:"capabilities"`
}

func (h *Handlers) Consume(c *gin.Context) {
	var req consumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	view, err := h.Reg.Consume(c.Request.Context(), sid(c), caller(c), req.ProducerID, req.Capabilities)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

type createRoomsRequest struct {
	Rooms []app.RoomRequest `json:"rooms" binding:"required,min=1"`
}

func (h *Handlers) CreateRooms(c *gin.Context) {
	var req createRoomsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	views, err := h.Reg.CreateRooms(c.Request.Context(), sid(c), caller(c), req.Rooms)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, views)
}

func (h *Handlers) Rooms(c *gin.Context) {
	views, err := h.Reg.Rooms(sid(c))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, views)
}

func (h *Handlers) JoinRoom(c *gin.Context) {
	roomID := domain.BreakoutRoomID(c.Param("roomId"))
	res, err := h.Reg.JoinRoom(c.Request.Context(), sid(c), roomID, caller(c))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handlers) EndRooms(c *gin.Context) {
	if err := h.Reg.EndRooms(sid(c), caller(c)); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) StartRecording(c *gin.Context) {
	var sel app.StreamSelector
	if err := c.ShouldBindJSON(&sel); err != nil && c.Request.ContentLength > 0 {
		badRequest(c, err)
		return
	}
	rec, err := h.Reg.StartRecording(c.Request.Context(), sid(c), caller(c), sel)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h *Handlers) StopRecording(c *gin.Context) {
	recID := domain.RecordingID(c.Param("recId"))
	rec, err := h.Reg.StopRecording(c.Request.Context(), recID, caller(c))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handlers) RecordingStatus(c *gin.Context) {
	rec, err := h.Reg.RecordingStatus(domain.RecordingID(c.Param("recId")))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handlers) ChatHistory(c *gin.Context) {
	var q app.HistoryQuery
	if v := c.Query("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			badRequest(c, err)
			return
		}
		q.Since = t
	}
	if v := c.Query("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			badRequest(c, err)
			return
		}
		q.Until = t
	}
	var pager struct {
		Offset int `form:"offset"`
		Limit  int `form:"limit"`
	}
	if err := c.ShouldBindQuery(&pager); err != nil {
		badRequest(c, err)
		return
	}
	q.Offset, q.Limit = pager.Offset, pager.Limit

	msgs, err := h.Reg.ChatHistory(sid(c), q)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

type chatRequest struct {
	Content string             `json:"content" binding:"required"`
	Type    domain.MessageType `json:"type"`
}

func (h *Handlers) SendChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	msg, err := h.Reg.SendChat(c.Request.Context(), sid(c), caller(c), req.Content, req.Type)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}
