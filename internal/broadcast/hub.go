// Package broadcast fans flagged transcripts out to WebSocket viewers and the
// operator console.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/loqalabs/jerga/internal/bus"
	"github.com/loqalabs/jerga/internal/config"
	"github.com/loqalabs/jerga/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// ViewerMessage is the JSON frame each viewer receives.
type ViewerMessage struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	Flags []protocol.Flag `json:"flags"`
}

type viewer struct {
	conn *websocket.Conn
	send chan []byte
}

type Hub struct {
	cfg     config.BroadcastConfig
	bus     *bus.Client
	logger  *slog.Logger
	console *Console
	sub     *nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	viewers map[*viewer]struct{}
	wg      sync.WaitGroup
}

// NewHub builds a hub. console may be nil.
func NewHub(parent context.Context, cfg config.BroadcastConfig, busClient *bus.Client, console *Console, logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		cfg:     cfg,
		bus:     busClient,
		logger:  logger.With(slog.String("component", "broadcast")),
		console: console,
		ctx:     ctx,
		cancel:  cancel,
		viewers: make(map[*viewer]struct{}),
	}
	if err := h.initMetrics(); err != nil {
		h.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return h
}

func (h *Hub) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/jerga/broadcast")
	gauge, err := meter.Int64ObservableGauge("jerga.broadcast.viewers", metric.WithDescription("Connected WebSocket viewers"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(h.Viewers()))
		return nil
	}, gauge)
	return err
}

func (h *Hub) Start() error {
	if !h.cfg.Enabled {
		return nil
	}
	sub, err := h.bus.Conn().Subscribe(protocol.SubjectSlangFlags, h.handleFlags)
	if err != nil {
		return fmt.Errorf("subscribe slang flags: %w", err)
	}
	h.sub = sub
	return nil
}

func (h *Hub) Close() {
	h.cancel()
	if h.sub != nil {
		_ = h.sub.Drain()
	}
	h.mu.Lock()
	for v := range h.viewers {
		h.dropLocked(v)
	}
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *Hub) Healthy() bool {
	return !h.cfg.Enabled || h.sub != nil
}

// Viewers reports the number of connected viewers.
func (h *Hub) Viewers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers)
}

// ServeHTTP upgrades the request and streams messages until the viewer
// disconnects or falls behind.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slogError(err))
		return
	}
	v := &viewer{conn: conn, send: make(chan []byte, h.cfg.Buffer)}

	h.mu.Lock()
	h.viewers[v] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("viewer connected", slog.String("remote", r.RemoteAddr), slog.Int("viewers", h.Viewers()))

	h.wg.Add(1)
	defer h.wg.Done()
	h.writeLoop(conn.CloseRead(h.ctx), v)

	h.mu.Lock()
	h.dropLocked(v)
	h.mu.Unlock()
	_ = conn.Close(websocket.StatusGoingAway, "")
	h.logger.Info("viewer disconnected", slog.String("remote", r.RemoteAddr))
}

func (h *Hub) writeLoop(ctx context.Context, v *viewer) {
	timeout := time.Duration(h.cfg.WriteTimeoutMS) * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-v.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, timeout)
			err := v.conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				h.logger.Debug("viewer write failed", slogError(err))
				return
			}
		}
	}
}

// dropLocked removes v and stops its write loop. h.mu must be held.
func (h *Hub) dropLocked(v *viewer) {
	if _, ok := h.viewers[v]; !ok {
		return
	}
	delete(h.viewers, v)
	close(v.send)
}

func (h *Hub) handleFlags(msg *nats.Msg) {
	var flagged protocol.FlaggedTranscript
	if err := json.Unmarshal(msg.Data, &flagged); err != nil {
		h.logger.Warn("broadcast failed to decode flags", slogError(err))
		return
	}
	if h.cfg.Console && flagged.Type == protocol.TypeFinal {
		h.console.Print(flagged)
	}
	h.Broadcast(flagged)
}

// Broadcast sends msg to every viewer. A viewer whose buffer is full is
// dropped.
func (h *Hub) Broadcast(msg protocol.FlaggedTranscript) {
	flags := msg.Flags
	if flags == nil {
		flags = []protocol.Flag{}
	}
	payload, err := json.Marshal(ViewerMessage{Type: msg.Type, Text: msg.Text, Flags: flags})
	if err != nil {
		h.logger.Warn("failed to marshal viewer message", slogError(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for v := range h.viewers {
		select {
		case v.send <- payload:
		default:
			h.logger.Warn("dropping slow viewer")
			h.dropLocked(v)
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
