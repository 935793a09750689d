// Package capability announces this node on the bus and tracks its peers.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/loqalabs/jerga/internal/bus"
	"github.com/loqalabs/jerga/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	subjectAnnounce        = "ctrl.node.announce"
	subjectHeartbeatPrefix = "ctrl.node.heartbeat"
)

type Capability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type NodeInfo struct {
	ID           string       `json:"id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

type Registry struct {
	cfg    config.NodeConfig
	log    *slog.Logger
	bus    *bus.Client
	cancel context.CancelFunc
	subs   []*nats.Subscription

	mu    sync.RWMutex
	local []Capability
	nodes map[string]*NodeInfo
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		log:    log.With(slog.String("component", "capability-registry")),
		bus:    busClient,
		cancel: cancel,
		local:  convertCapabilities(cfg.Capabilities),
		nodes:  make(map[string]*NodeInfo),
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	go r.runHeartbeat(ctx, time.Duration(cfg.HeartbeatInterval)*time.Millisecond)
	go r.monitorHealth(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

// Advertise merges attrs into the named local capability and re-announces
// the node. Unknown names are added.
func (r *Registry) Advertise(name string, attrs map[string]string) error {
	r.mu.Lock()
	found := false
	for i := range r.local {
		if r.local[i].Name != name {
			continue
		}
		merged := maps.Clone(r.local[i].Attributes)
		if merged == nil {
			merged = make(map[string]string, len(attrs))
		}
		maps.Copy(merged, attrs)
		r.local[i].Attributes = merged
		found = true
	}
	if !found {
		r.local = append(r.local, Capability{Name: name, Attributes: maps.Clone(attrs)})
	}
	r.mu.Unlock()
	return r.announce()
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(subjectAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(subjectHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb := heartbeatMessage{NodeID: r.cfg.ID, Timestamp: time.Now().UTC()}
			if err := r.bus.PublishJSON(subjectHeartbeatPrefix+"."+r.cfg.ID, hb); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth(time.Now())
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: r.LocalCapabilities(),
		Timestamp:    time.Now().UTC(),
	}
	if err := r.bus.PublishJSON(subjectAnnounce, msg); err != nil {
		return err
	}
	r.updateNode(msg.NodeID, msg.Role, msg.Capabilities, msg.Timestamp)
	return nil
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = time.Now().UTC()
	}
	r.updateNode(announcement.NodeID, announcement.Role, announcement.Capabilities, announcement.Timestamp)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	r.updateNode(hb.NodeID, "", nil, hb.Timestamp)
}

func (r *Registry) updateNode(nodeID, role string, capabilities []Capability, seen time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
	}
	if role != "" {
		node.Role = role
	}
	if len(capabilities) > 0 {
		node.Capabilities = capabilities
	}
	node.LastSeen = seen
	node.Healthy = true
}

func (r *Registry) evaluateHealth(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Query returns a copy of every known node accepted by filter.
func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		n := *node
		if filter == nil || filter(n) {
			results = append(results, n)
		}
	}
	return results
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/jerga/capability")
	nodes, err := meter.Int64ObservableGauge("jerga.capabilities.nodes", metric.WithDescription("Number of known nodes"))
	if err != nil {
		return err
	}
	healthy, err := meter.Int64ObservableGauge("jerga.capabilities.healthy_nodes", metric.WithDescription("Nodes seen within the heartbeat timeout"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		total, up := r.snapshotCounts()
		obs.ObserveInt64(nodes, total)
		obs.ObserveInt64(healthy, up)
		return nil
	}, nodes, healthy)
	return err
}

func (r *Registry) snapshotCounts() (total int64, healthy int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, node := range r.nodes {
		total++
		if node.Healthy {
			healthy++
		}
	}
	return total, healthy
}

func (r *Registry) LocalCapabilities() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Capability, len(r.local))
	for i, c := range r.local {
		c.Attributes = maps.Clone(c.Attributes)
		out[i] = c
	}
	return out
}

func convertCapabilities(source []config.NodeCapability) []Capability {
	result := make([]Capability, 0, len(source))
	for _, c := range source {
		result = append(result, Capability{
			Name:       c.Name,
			Tier:       c.Tier,
			Attributes: maps.Clone(c.Attributes),
		})
	}
	return result
}

func WithCapabilityFilter(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Name == name {
				return true
			}
		}
		return false
	}
}
