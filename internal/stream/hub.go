// Package stream keeps windowed metric buffers and fans samples out to
// subscribed connections.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ramiqadoumi/stageflow/internal/domain"
	"github.com/ramiqadoumi/stageflow/pkg/telemetry"
)

// Frame types the server sends besides metric types.
const (
	FrameWelcome    = "welcome"
	FrameSubscribed = "subscribed"
	FramePing       = "ping"
	FramePong       = "pong"
	FrameRejected   = "rejected"
)

// Frame is one server-to-client message.
type Frame struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// SampleData is the payload of a metric frame.
type SampleData struct {
	Value float64           `json:"value"`
	Tags  map[string]string `json:"tags,omitempty"`
	Data  any               `json:"data,omitempty"`
}

// Conn is one subscriber's transport. Send must be safe for concurrent use.
type Conn interface {
	Send(ctx context.Context, f Frame) error
	Close() error
}

var (
	// ErrUnknownConnection is returned for ids that are not registered.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrDuplicateConnection is returned when an id is registered twice.
	ErrDuplicateConnection = errors.New("connection already registered")
)

// Config sizes the buffers and the heartbeat.
type Config struct {
	BufferCapacity int
	Window         time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
	SendTimeout    time.Duration
	// OutboxSize is how many frames may wait for one connection's writer.
	// A connection whose outbox is full is dropped as a slow consumer.
	OutboxSize int
}

// DefaultConfig returns production sizing.
func DefaultConfig() Config {
	return Config{
		BufferCapacity: 1000,
		Window:         5 * time.Minute,
		PingInterval:   30 * time.Second,
		PongTimeout:    10 * time.Second,
		SendTimeout:    5 * time.Second,
		OutboxSize:     256,
	}
}

type subscriber struct {
	id       string
	conn     Conn
	outbox   chan Frame
	done     chan struct{}
	mu       sync.Mutex
	types    map[domain.MetricType]bool
	lastPong time.Time
}

// offer queues f without blocking. It reports false when the outbox is full.
func (s *subscriber) offer(f Frame) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.outbox <- f:
		return true
	default:
		return false
	}
}

func (s *subscriber) wants(t domain.MetricType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.types[t]
}

// Hub owns the buffers and the connection registry.
type Hub struct {
	cfg     Config
	log     *slog.Logger
	buffers map[domain.MetricType]*Buffer
	now     func() time.Time

	mu    sync.RWMutex
	conns map[string]*subscriber
}

// NewHub returns a hub with one buffer per known metric type.
func NewHub(cfg Config, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.OutboxSize < 1 {
		cfg.OutboxSize = 256
	}
	h := &Hub{
		cfg:     cfg,
		log:     logger,
		buffers: make(map[domain.MetricType]*Buffer, len(domain.MetricTypes)),
		now:     time.Now,
		conns:   map[string]*subscriber{},
	}
	for _, t := range domain.MetricTypes {
		h.buffers[t] = NewBuffer(t, cfg.BufferCapacity, cfg.Window)
	}
	return h
}

// RegisterConnection adds conn under id and starts its writer. It receives
// nothing until it subscribes.
func (h *Hub) RegisterConnection(id string, conn Conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[id]; ok {
		return fmt.Errorf("%s: %w", id, ErrDuplicateConnection)
	}
	s := &subscriber{
		id:       id,
		conn:     conn,
		outbox:   make(chan Frame, h.cfg.OutboxSize),
		done:     make(chan struct{}),
		types:    map[domain.MetricType]bool{},
		lastPong: h.now(),
	}
	h.conns[id] = s
	telemetry.StreamConnections.Set(float64(len(h.conns)))
	go h.write(s)
	return nil
}

// write drains one connection's outbox until it is unregistered.
func (h *Hub) write(s *subscriber) {
	for {
		select {
		case <-s.done:
			return
		case f := <-s.outbox:
			ctx, cancel := h.sendContext()
			err := s.conn.Send(ctx, f)
			cancel()
			if err != nil {
				h.log.Warn("stream send failed, dropping connection",
					slog.String("connection_id", s.id),
					slog.String("error", err.Error()),
				)
				h.drop(s.id)
				return
			}
			telemetry.StreamFramesSentTotal.WithLabelValues(f.Type).Inc()
		}
	}
}

// Unregister removes id, stops its writer and closes its connection. Unknown
// ids are ignored.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	s, ok := h.conns[id]
	delete(h.conns, id)
	telemetry.StreamConnections.Set(float64(len(h.conns)))
	h.mu.Unlock()
	if ok {
		close(s.done)
		s.conn.Close() //nolint:errcheck
	}
}

// Subscribe replaces the set of metric types id receives.
func (h *Hub) Subscribe(id string, types []domain.MetricType) error {
	for _, t := range types {
		if !t.Valid() {
			return fmt.Errorf("unknown metric type %q", t)
		}
	}
	s, ok := h.lookup(id)
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownConnection)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.types = make(map[domain.MetricType]bool, len(types))
	for _, t := range types {
		s.types[t] = true
	}
	return nil
}

// Pong records a heartbeat answer from id.
func (h *Hub) Pong(id string) {
	if s, ok := h.lookup(id); ok {
		s.mu.Lock()
		s.lastPong = h.now()
		s.mu.Unlock()
	}
}

// Connections returns the registered ids, sorted.
func (h *Hub) Connections() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (h *Hub) lookup(id string) (*subscriber, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.conns[id]
	return s, ok
}

// Broadcast stores sample and queues it for every connection subscribed to
// its type. It never waits on a connection: a subscriber that has fallen
// OutboxSize frames behind is dropped.
func (h *Hub) Broadcast(_ context.Context, sample domain.MetricSample) {
	buf, ok := h.buffers[sample.Type]
	if !ok {
		h.log.Warn("dropping sample of unknown type", slog.String("type", string(sample.Type)))
		return
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = h.now().UTC()
	}
	buf.Add(sample)

	h.mu.RLock()
	targets := make([]*subscriber, 0, len(h.conns))
	for _, s := range h.conns {
		if s.wants(sample.Type) {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	h.deliver(targets, Frame{
		Type:      string(sample.Type),
		Timestamp: sample.Timestamp,
		Data:      SampleData{Value: sample.Value, Tags: sample.Tags, Data: sample.Data},
	})
}

func (h *Hub) deliver(targets []*subscriber, frame Frame) {
	for _, s := range targets {
		if s.offer(frame) {
			continue
		}
		h.log.Warn("stream outbox full, dropping slow connection", slog.String("connection_id", s.id))
		h.drop(s.id)
	}
}

func (h *Hub) drop(id string) {
	telemetry.StreamConnectionsDroppedTotal.Inc()
	h.Unregister(id)
}

func (h *Hub) sendContext() (context.Context, context.CancelFunc) {
	if h.cfg.SendTimeout > 0 {
		return context.WithTimeout(context.Background(), h.cfg.SendTimeout)
	}
	return context.WithCancel(context.Background())
}

// Recent returns the samples of type t inside the window.
func (h *Hub) Recent(t domain.MetricType) ([]domain.MetricSample, error) {
	buf, ok := h.buffers[t]
	if !ok {
		return nil, fmt.Errorf("unknown metric type %q", t)
	}
	return buf.Snapshot(), nil
}

// Aggregate summarises type t over the current window.
func (h *Hub) Aggregate(t domain.MetricType) (Aggregate, error) {
	buf, ok := h.buffers[t]
	if !ok {
		return Aggregate{}, fmt.Errorf("unknown metric type %q", t)
	}
	return buf.Aggregate(), nil
}

// Run pings every connection each PingInterval and drops those whose last
// pong is older than PingInterval plus PongTimeout. It blocks until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	if h.cfg.PingInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.heartbeat()
		}
	}
}

func (h *Hub) heartbeat() {
	now := h.now()
	deadline := h.cfg.PingInterval + h.cfg.PongTimeout

	h.mu.RLock()
	var alive []*subscriber
	var stale []string
	for id, s := range h.conns {
		s.mu.Lock()
		last := s.lastPong
		s.mu.Unlock()
		if now.Sub(last) > deadline {
			stale = append(stale, id)
			continue
		}
		alive = append(alive, s)
	}
	h.mu.RUnlock()

	for _, id := range stale {
		h.log.Info("stream connection missed heartbeat", slog.String("connection_id", id))
		h.drop(id)
	}
	if len(alive) > 0 {
		h.deliver(alive, Frame{Type: FramePing, Timestamp: now.UTC()})
	}
}
