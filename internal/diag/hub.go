package diag

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/camerarecorder/multicam-hal/internal/hal"
	"github.com/camerarecorder/multicam-hal/internal/logging"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = (wsPongWait * 9) / 10
	wsSendBuffer   = 32
)

// StatusProvider returns a JSON-marshalable snapshot of some part of the
// dispatch engine's state. Registered by whatever owns the long-lived
// state (a device session, a stream manager); the diagnostics surface never
// reaches into that state directly.
type StatusProvider func() interface{}

type envelopeKind string

const (
	envelopeNotify envelopeKind = "notify"
	envelopeResult envelopeKind = "result"
)

type envelope struct {
	Kind    envelopeKind `json:"kind"`
	Payload interface{}  `json:"payload"`
}

// Hub fans read-only state out to the diagnostics HTTP surface and tees the
// live notify/result stream to attached WebSocket clients. It never
// influences dispatch: every method here is an observer.
type Hub struct {
	logger *logging.Logger

	statusMu       sync.RWMutex
	sessionStatus  StatusProvider
	pipelineStatus StatusProvider

	clientsMu sync.Mutex
	clients   map[string]*wsClient
	clientSeq int64
}

// NewHub builds an empty Hub. Status providers are optional: until
// registered, the corresponding diagnostics endpoint reports an empty
// snapshot rather than erroring.
func NewHub(logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.GetLogger("diag-hub")
	}
	return &Hub{
		logger:  logger,
		clients: make(map[string]*wsClient),
	}
}

// RegisterSessionStatus wires the provider backing the /sessions endpoint.
func (h *Hub) RegisterSessionStatus(fn StatusProvider) {
	h.statusMu.Lock()
	defer h.statusMu.Unlock()
	h.sessionStatus = fn
}

// RegisterPipelineStatus wires the provider backing the /pipelines endpoint.
func (h *Hub) RegisterPipelineStatus(fn StatusProvider) {
	h.statusMu.Lock()
	defer h.statusMu.Unlock()
	h.pipelineStatus = fn
}

func (h *Hub) sessionSnapshot() interface{} {
	h.statusMu.RLock()
	fn := h.sessionStatus
	h.statusMu.RUnlock()
	if fn == nil {
		return []interface{}{}
	}
	return fn()
}

func (h *Hub) pipelineSnapshot() interface{} {
	h.statusMu.RLock()
	fn := h.pipelineStatus
	h.statusMu.RUnlock()
	if fn == nil {
		return []interface{}{}
	}
	return fn()
}

// Notify tees a NotifyMessage to every attached WebSocket client. Safe to
// call from the dispatch hot path: a client that can't keep up has frames
// dropped for it rather than stalling the caller.
func (h *Hub) Notify(msg hal.NotifyMessage) {
	h.broadcast(envelope{Kind: envelopeNotify, Payload: msg})
}

// Result tees a CaptureResult to every attached WebSocket client.
func (h *Hub) Result(res hal.CaptureResult) {
	h.broadcast(envelope{Kind: envelopeResult, Payload: res})
}

func (h *Hub) broadcast(env envelope) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	for id, c := range h.clients {
		select {
		case c.send <- env:
		default:
			h.logger.WithField("client_id", id).Warn("diagnostics client send buffer full, dropping envelope")
		}
	}
}

func (h *Hub) addClient(conn *websocket.Conn) *wsClient {
	id := strconv.FormatInt(atomic.AddInt64(&h.clientSeq, 1), 10)
	c := &wsClient{id: id, conn: conn, send: make(chan envelope, wsSendBuffer)}
	h.clientsMu.Lock()
	h.clients[id] = c
	h.clientsMu.Unlock()
	return c
}

func (h *Hub) removeClient(c *wsClient) {
	h.clientsMu.Lock()
	delete(h.clients, c.id)
	h.clientsMu.Unlock()
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan envelope
}
