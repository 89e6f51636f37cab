// Package capability tracks the scoring nodes sharing a bus. Each node
// announces what it can do, heartbeats while serving, and keeps a view of
// its peers.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-grammar/internal/config"
	"github.com/loqalabs/loqa-grammar/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Capability = protocol.Capability

type NodeInfo struct {
	ID           string       `json:"id"`
	Version      string       `json:"version,omitempty"`
	Capabilities []Capability `json:"capabilities"`
	Inflight     int64        `json:"inflight"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

// Options describe the local node.
type Options struct {
	Version      string
	Capabilities []Capability
	// Inflight reports the number of requests currently being processed.
	Inflight func() int64
}

type Registry struct {
	cfg          config.NodeConfig
	opts         Options
	log          *slog.Logger
	conn         *nats.Conn
	mu           sync.RWMutex
	nodes        map[string]*NodeInfo
	lastAnnounce time.Time
	cancel       context.CancelFunc
	subs         []*nats.Subscription
	done         sync.WaitGroup
	meter        metric.Meter
	now          func() time.Time
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, conn *nats.Conn, opts Options, log *slog.Logger) (*Registry, error) {
	if conn == nil {
		return nil, fmt.Errorf("capability registry requires a bus connection")
	}
	if cfg.ID == "" {
		return nil, fmt.Errorf("capability registry requires a node id")
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		opts:   opts,
		log:    log.With(slog.String("component", "capability-registry"), slog.String("node_id", cfg.ID)),
		conn:   conn,
		nodes:  make(map[string]*NodeInfo),
		meter:  otel.Meter("github.com/loqalabs/loqa-grammar/internal/capability"),
		cancel: cancel,
		now:    time.Now,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	r.done.Add(1)
	go r.run(ctx)

	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	r.done.Wait()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	announceSub, err := r.conn.Subscribe(protocol.SubjectNodeAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := r.conn.Subscribe(protocol.SubjectNodeHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) run(ctx context.Context) {
	defer r.done.Done()
	heartbeat := time.NewTicker(time.Duration(r.cfg.HeartbeatIntervalMS) * time.Millisecond)
	defer heartbeat.Stop()
	health := time.NewTicker(time.Second)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		case <-health.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := protocol.NodeAnnounce{
		NodeID:       r.cfg.ID,
		Version:      r.opts.Version,
		Capabilities: r.opts.Capabilities,
		Timestamp:    r.now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	r.updateNode(msg.NodeID, msg.Version, msg.Capabilities, nil)
	r.mu.Lock()
	r.lastAnnounce = r.now()
	r.mu.Unlock()
	return r.conn.Publish(protocol.SubjectNodeAnnounce, payload)
}

func (r *Registry) publishHeartbeat() error {
	msg := protocol.NodeHeartbeat{
		NodeID:    r.cfg.ID,
		Timestamp: r.now().UTC(),
	}
	if r.opts.Inflight != nil {
		msg.Inflight = r.opts.Inflight()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.conn.Publish(protocol.SubjectNodeHeartbeatPrefix+"."+r.cfg.ID, payload)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement protocol.NodeAnnounce
	if err := json.Unmarshal(msg.Data, &announcement); err != nil || announcement.NodeID == "" {
		r.log.Warn("invalid announce message", slogError(err))
		return
	}
	r.updateNode(announcement.NodeID, announcement.Version, announcement.Capabilities, nil)

	// A newcomer has not seen our announce yet.
	if announcement.NodeID != r.cfg.ID {
		if err := r.reannounce(); err != nil {
			r.log.Debug("failed to re-announce", slogError(err))
		}
	}
}

// reannounce sends the local announce at most once per heartbeat interval so
// two nodes never echo each other indefinitely.
func (r *Registry) reannounce() error {
	r.mu.RLock()
	recent := r.now().Sub(r.lastAnnounce) < time.Duration(r.cfg.HeartbeatIntervalMS)*time.Millisecond
	r.mu.RUnlock()
	if recent {
		return nil
	}
	return r.announce()
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.NodeHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.NodeID == "" {
		r.log.Warn("invalid heartbeat message", slogError(err))
		return
	}
	inflight := hb.Inflight
	r.updateNode(hb.NodeID, "", nil, &inflight)
}

// updateNode stamps LastSeen with the local clock so peer clock skew does
// not affect health.
func (r *Registry) updateNode(nodeID, version string, capabilities []Capability, inflight *int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
	}
	if version != "" {
		node.Version = version
	}
	if len(capabilities) > 0 {
		node.Capabilities = capabilities
	}
	if inflight != nil {
		node.Inflight = *inflight
	}
	node.LastSeen = r.now()
	node.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeoutMS) * time.Millisecond
	now := r.now()
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

// Healthy reports whether the local node has been seen on the bus recently.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Nodes returns known nodes sorted by ID, optionally filtered.
func (r *Registry) Nodes(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make([]NodeInfo, 0, len(r.nodes))
	for _, node := range r.nodes {
		n := *node
		n.Capabilities = append([]Capability(nil), node.Capabilities...)
		if filter == nil || filter(n) {
			results = append(results, n)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func (r *Registry) initMetrics() error {
	nodes, err := r.meter.Int64ObservableGauge("grammar.nodes",
		metric.WithDescription("Scoring nodes known to this instance, by health."))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		healthy, unhealthy := r.snapshotCounts()
		obs.ObserveInt64(nodes, healthy, metric.WithAttributes(healthAttr(true)))
		obs.ObserveInt64(nodes, unhealthy, metric.WithAttributes(healthAttr(false)))
		return nil
	}, nodes)
	return err
}

func (r *Registry) snapshotCounts() (healthy, unhealthy int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, node := range r.nodes {
		if node.Healthy {
			healthy++
		} else {
			unhealthy++
		}
	}
	return healthy, unhealthy
}

// WithCapability matches nodes offering name, and when attr is non-empty,
// with that attribute set to value.
func WithCapability(name, attr, value string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Name != name {
				continue
			}
			if attr == "" || c.Attributes[attr] == value {
				return true
			}
		}
		return false
	}
}

func healthAttr(healthy bool) attribute.KeyValue {
	return attribute.Bool("healthy", healthy)
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "missing node_id")
	}
	return slog.String("error", err.Error())
}
