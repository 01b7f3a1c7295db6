package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"varianceiq/internal/infrastructure"
)

// Message types sent to clients
const (
	TypeConnection = "connection"
	TypeProgress   = "analysis:progress"
	TypeRun        = "analysis:run"
)

// broadcastQueue bounds messages waiting for the hub loop. Publishers never
// block; overflow is dropped and counted.
const broadcastQueue = 1024

// Message is the envelope every client receives.
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
}

type outbound struct {
	msgType string
	payload []byte
}

// Hub maintains the set of active clients and broadcasts messages to them.
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	running bool
	count   int

	startOnce sync.Once
	stopOnce  sync.Once
	quit      chan struct{}
	done      chan struct{}

	logger  *slog.Logger
	metrics *hubMetrics

	messagesSent atomic.Int64
	dropped      atomic.Int64
}

// NewHub creates a hub. Call Start before registering clients.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	logger = logger.With(slog.String("component", "websocket.hub"))

	metrics, err := newHubMetrics()
	if err != nil {
		logger.Warn("websocket_metrics_unavailable", slog.String("error", err.Error()))
	}

	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan outbound, broadcastQueue),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		logger:     logger,
		metrics:    metrics,
	}
}

// Start runs the hub loop in its own goroutine. Further calls are no-ops.
func (h *Hub) Start() {
	h.startOnce.Do(func() {
		h.mu.Lock()
		h.running = true
		h.mu.Unlock()
		go h.run()
	})
}

// Stop closes every client and ends the hub loop. It waits for the loop to
// exit when the hub was started.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		wasRunning := h.running
		h.running = false
		h.mu.Unlock()

		close(h.quit)
		if wasRunning {
			<-h.done
		}
	})
}

func (h *Hub) run() {
	defer close(h.done)
	ctx := context.Background()

	for {
		select {
		case <-h.quit:
			for c := range h.clients {
				h.remove(ctx, c)
			}
			h.logger.Info("hub_stopped")
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.setCount(len(h.clients))
			h.metrics.clientDelta(ctx, 1)

			h.logger.InfoContext(c.context(), "client_registered",
				slog.String("client_id", c.id),
				slog.String("remote_addr", c.remoteAddr),
				slog.Int("clients", len(h.clients)))

			welcome, err := encode(TypeConnection, map[string]string{
				"status":    "connected",
				"client_id": c.id,
			}, c.traceID)
			if err == nil {
				h.deliver(ctx, c, outbound{msgType: TypeConnection, payload: welcome})
			}

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.remove(ctx, c)
				h.logger.InfoContext(c.context(), "client_unregistered",
					slog.String("client_id", c.id),
					slog.Duration("connected_for", time.Since(c.connectedAt)),
					slog.Int("clients", len(h.clients)))
			}

		case msg := <-h.broadcast:
			var delivered int64
			for c := range h.clients {
				if h.deliver(ctx, c, msg) {
					delivered++
				}
			}
			h.messagesSent.Add(delivered)
			h.metrics.sent(ctx, msg.msgType, delivered)
		}
	}
}

// deliver queues msg for c, disconnecting clients whose buffer is full.
func (h *Hub) deliver(ctx context.Context, c *Client, msg outbound) bool {
	select {
	case c.send <- msg.payload:
		return true
	default:
		h.logger.WarnContext(c.context(), "client_send_buffer_full",
			slog.String("client_id", c.id),
			slog.String("message_type", msg.msgType))
		h.metrics.drop(ctx, "client_buffer_full")
		h.remove(ctx, c)
		return false
	}
}

// remove must only be called from the hub loop.
func (h *Hub) remove(ctx context.Context, c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.setCount(len(h.clients))
	h.metrics.clientDelta(ctx, -1)
}

func (h *Hub) setCount(n int) {
	h.mu.Lock()
	h.count = n
	h.mu.Unlock()
}

// Register adds a client. It returns false once the hub is stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.quit:
		return false
	}
}

// Unregister removes a client. Safe to call after Stop.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

// Broadcast implements Broadcaster.
func (h *Hub) Broadcast(messageType string, data interface{}) {
	h.BroadcastWithTrace(messageType, data, "")
}

// BroadcastWithTrace queues a message for every client without blocking.
func (h *Hub) BroadcastWithTrace(messageType string, data interface{}, traceID string) {
	payload, err := encode(messageType, data, traceID)
	if err != nil {
		h.logger.Error("message_encode_failed",
			slog.String("message_type", messageType),
			slog.String("error", err.Error()))
		return
	}

	select {
	case <-h.quit:
		return
	default:
	}

	select {
	case h.broadcast <- outbound{msgType: messageType, payload: payload}:
	default:
		h.dropped.Add(1)
		h.metrics.drop(context.Background(), "broadcast_queue_full")
		h.logger.Warn("broadcast_queue_full", slog.String("message_type", messageType))
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Stats reports delivery counters.
func (h *Hub) Stats() map[string]int64 {
	return map[string]int64{
		"clients":       int64(h.ClientCount()),
		"messages_sent": h.messagesSent.Load(),
		"dropped":       h.dropped.Load(),
	}
}

func encode(messageType string, data interface{}, traceID string) ([]byte, error) {
	return json.Marshal(Message{
		Type:      messageType,
		Data:      data,
		Timestamp: time.Now().UTC(),
		TraceID:   traceID,
	})
}
