package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/telecare/parley/internal/adapters/engine"
	"github.com/telecare/parley/internal/app"
	"github.com/telecare/parley/internal/core"
	"github.com/telecare/parley/internal/domain"
)

// Config tunes the signaling sockets.
type Config struct {
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	SendQueue  int           `mapstructure:"send_queue"`
}

func DefaultConfig() Config {
	return Config{ReadLimit: 32768, PingPeriod: 54 * time.Second, SendQueue: 32}
}

// Controller owns every signaling socket and doubles as the registry's
// event sink: server-initiated events go out over the same connection
// the participant signals on.
type Controller struct {
	reg    *app.Registry
	engine *engine.Engine

	readLimit  int64
	pingPeriod time.Duration
	sendQueue  int

	mu    sync.RWMutex
	conns map[domain.ParticipantID]*wsConn
}

func NewController(eng *engine.Engine, cfg Config) *Controller {
	def := DefaultConfig()
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = def.PingPeriod
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = def.SendQueue
	}
	return &Controller{
		engine:     eng,
		readLimit:  cfg.ReadLimit,
		pingPeriod: cfg.PingPeriod,
		sendQueue:  cfg.SendQueue,
		conns:      make(map[domain.ParticipantID]*wsConn),
	}
}

// Bind wires the registry in after construction; the controller is the
// registry's event sink, so the two are built in that order. Must be
// called before serving.
func (ctl *Controller) Bind(reg *app.Registry) { ctl.reg = reg }

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// envelope is the wire shape of every signaling frame, both directions.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HandleSignal upgrades the HTTP request and binds the socket to the
// caller's client token. A second socket for the same participant
// replaces the first.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	pid := c.GetString("client_token")
	if pid == "" {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	log.Info().Str("module", "signal").Str("participant", pid).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := newWSConn(ws, ctl.sendQueue)

	ctl.mu.Lock()
	old := ctl.conns[domain.ParticipantID(pid)]
	ctl.conns[domain.ParticipantID(pid)] = conn
	ctl.mu.Unlock()
	if old != nil {
		old.Close()
	}

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		ctl.readPump(ctx, pid, conn)
	}()
	go ctl.writePump(ctx, conn)
}

// disconnected runs when a socket's read side dies: the participant is
// treated as gone from every session unless a newer socket took over.
func (ctl *Controller) disconnected(ctx context.Context, pid string, c *wsConn) {
	id := domain.ParticipantID(pid)
	ctl.mu.Lock()
	if ctl.conns[id] != c {
		ctl.mu.Unlock()
		return
	}
	delete(ctl.conns, id)
	ctl.mu.Unlock()
	ctl.reg.Disconnect(ctx, id)
}

// Send implements core.EventSink. Deliver-then-forget: a missing or
// saturated connection only logs.
func (ctl *Controller) Send(id domain.ParticipantID, event string, payload any) {
	ctl.mu.RLock()
	conn := ctl.conns[id]
	ctl.mu.RUnlock()
	if conn == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("event", event).Msg("marshal event payload")
		return
	}
	frame, err := json.Marshal(envelope{Type: event, Payload: body})
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("event", event).Msg("marshal event")
		return
	}
	if err := conn.TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "signal").
			Str("participant", string(id)).
			Str("event", event).
			Msg("event dropped")
	}
}

func (ctl *Controller) sendJSON(c *wsConn, typ string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	frame, err := json.Marshal(envelope{Type: typ, Payload: body})
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal envelope")
		return
	}
	_ = c.TrySend(frame)
}

func (ctl *Controller) sendError(c *wsConn, err error) {
	ctl.sendJSON(c, "error", map[string]string{
		"kind":    string(core.KindOf(err)),
		"message": err.Error(),
	})
}
