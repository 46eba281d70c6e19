// Package fanout pushes snapshots and activity events to connected dashboards.
package fanout

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onnwee/livepresence/internal/activity"
	"github.com/onnwee/livepresence/internal/stats"
)

// Hub defaults.
const (
	DefaultGroup        = "dashboard"
	DefaultQueueSize    = 64
	DefaultWriteTimeout = 5 * time.Second

	sessionGroupPrefix = "session:"
)

// Message types on the wire.
const (
	TypeSnapshot = "stats_snapshot"
	TypeActivity = "activity"
)

// ErrHubClosed is returned when subscribing to a closed hub.
var ErrHubClosed = errors.New("broadcast hub closed")

// Message is the envelope written to subscribers.
type Message struct {
	Type   string    `json:"type"`
	Data   any       `json:"data"`
	SentAt time.Time `json:"sent_at"`
}

// Sink is the transport behind one subscriber.
// Write must give up once the deadline passes; Close may be called concurrently with Write.
type Sink interface {
	Write(data []byte, deadline time.Time) error
	Close() error
}

// SessionGroup returns the group that receives every event of one session.
// Events arrive in publish order, which can differ from mutation order when the
// reaper and a client touch the same session at once: a reaper leave may follow
// the rejoin that replaced it. Subscribers order a session's events by seq.
func SessionGroup(sessionID string) string {
	return sessionGroupPrefix + sessionID
}

// ValidGroup reports whether name is a group subscribers may join.
func ValidGroup(name string) bool {
	if name == DefaultGroup {
		return true
	}
	return strings.HasPrefix(name, sessionGroupPrefix) && len(name) > len(sessionGroupPrefix)
}

// Config configures a Hub.
type Config struct {
	// QueueSize bounds each subscriber's pending messages. A full queue evicts the subscriber.
	QueueSize int
	// WriteTimeout bounds a single write to a subscriber.
	WriteTimeout time.Duration
	// SampleRate is the number of heartbeat events per second forwarded to the
	// dashboard group. Zero forwards every heartbeat.
	SampleRate float64
	// SampleBurst is the token bucket size.
	SampleBurst int
	Logger      *slog.Logger
	Metrics     *Metrics
	// Now overrides the clock used for sampling and timestamps.
	Now func() time.Time
}

// Hub tracks subscribers by group and delivers messages to them.
// Publishing never blocks on a subscriber: each one drains its own queue from a
// dedicated writer goroutine.
type Hub struct {
	config  Config
	sampler *Sampler
	nextID  atomic.Uint64

	mu     sync.RWMutex
	groups map[string]map[uint64]*Subscriber
	count  int
	closed bool
}

// Subscriber is one connected observer.
type Subscriber struct {
	id    uint64
	group string
	hub   *Hub
	sink  Sink
	send  chan []byte
	done  chan struct{}
	once  sync.Once
}

// ID returns the subscriber's identifier.
func (s *Subscriber) ID() uint64 { return s.id }

// Group returns the group the subscriber joined.
func (s *Subscriber) Group() string { return s.group }

// Done is closed when the subscriber is removed from the hub.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// NewHub creates a hub.
func NewHub(config Config) *Hub {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Hub{
		config:  config,
		sampler: NewSampler(config.SampleRate, config.SampleBurst, config.Now),
		groups:  make(map[string]map[uint64]*Subscriber),
	}
}

// Subscribe adds a sink to a group and starts its writer.
func (h *Hub) Subscribe(group string, sink Sink) (*Subscriber, error) {
	s := &Subscriber{
		id:    h.nextID.Add(1),
		group: group,
		hub:   h,
		sink:  sink,
		send:  make(chan []byte, h.config.QueueSize),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	if h.groups[group] == nil {
		h.groups[group] = make(map[uint64]*Subscriber)
	}
	h.groups[group][s.id] = s
	h.count++
	count := h.count
	h.mu.Unlock()

	h.config.Metrics.setSubscribers(count)
	go s.writeLoop()
	return s, nil
}

// Unsubscribe removes a subscriber and closes its sink. Safe to call more than once.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.remove(s)
	s.close()
}

func (h *Hub) evict(s *Subscriber, reason string) {
	if h.remove(s) {
		h.config.Metrics.incEvicted(reason)
		h.config.Logger.Warn("evicting broadcast subscriber",
			"subscriber_id", s.id,
			"group", s.group,
			"reason", reason)
	}
	s.close()
}

func (h *Hub) remove(s *Subscriber) bool {
	h.mu.Lock()
	subs := h.groups[s.group]
	if _, ok := subs[s.id]; !ok {
		h.mu.Unlock()
		return false
	}
	delete(subs, s.id)
	if len(subs) == 0 {
		delete(h.groups, s.group)
	}
	h.count--
	count := h.count
	h.mu.Unlock()

	h.config.Metrics.setSubscribers(count)
	return true
}

// Publish enqueues data for every subscriber of a group and returns the number of
// subscribers it was queued for.
func (h *Hub) Publish(group string, data []byte) int {
	var full []*Subscriber
	queued := 0

	h.mu.RLock()
	for _, s := range h.groups[group] {
		select {
		case s.send <- data:
			queued++
		default:
			full = append(full, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range full {
		h.evict(s, EvictQueueFull)
	}
	return queued
}

// PublishSnapshot pushes a real-time snapshot to the dashboard group.
func (h *Hub) PublishSnapshot(snap *stats.Snapshot) {
	data, err := h.encode(TypeSnapshot, snap)
	if err != nil {
		return
	}
	h.config.Metrics.incPublished(TypeSnapshot)
	h.Publish(DefaultGroup, data)
}

// PublishActivity delivers an event to its session group and to the dashboard
// group. Only heartbeats are sampled on the way to the dashboard; lifecycle and
// transition events always reach it. Returns whether the dashboard received it.
// Events are forwarded as published; see SessionGroup for ordering.
func (h *Hub) PublishActivity(e activity.Event) bool {
	if e.Kind != activity.KindHeartbeat {
		return h.publishActivity(e, true)
	}
	return h.publishActivity(e, h.sampler.Allow())
}

// PublishActivityNow delivers an event to its session group and the dashboard
// group without sampling. Used for operator actions.
func (h *Hub) PublishActivityNow(e activity.Event) {
	h.publishActivity(e, true)
}

func (h *Hub) publishActivity(e activity.Event, toDashboard bool) bool {
	data, err := h.encode(TypeActivity, e)
	if err != nil {
		return false
	}
	h.config.Metrics.incPublished(TypeActivity)
	h.Publish(SessionGroup(e.SessionID), data)
	if !toDashboard {
		h.config.Metrics.incSampledOut()
		return false
	}
	h.Publish(DefaultGroup, data)
	return true
}

func (h *Hub) encode(msgType string, payload any) ([]byte, error) {
	data, err := json.Marshal(Message{Type: msgType, Data: payload, SentAt: h.config.Now().UTC()})
	if err != nil {
		h.config.Logger.Error("failed to encode broadcast message", "type", msgType, "error", err)
		return nil, err
	}
	return data, nil
}

// SubscriberCount returns the number of subscribers in a group.
func (h *Hub) SubscriberCount(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

// Close removes every subscriber. Later Subscribe calls fail with ErrHubClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*Subscriber
	for _, subs := range h.groups {
		for _, s := range subs {
			all = append(all, s)
		}
	}
	h.groups = make(map[string]map[uint64]*Subscriber)
	h.count = 0
	h.mu.Unlock()

	h.config.Metrics.setSubscribers(0)
	for _, s := range all {
		s.close()
	}
}

func (s *Subscriber) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.sink.Close()
	})
}

func (s *Subscriber) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			deadline := time.Now().Add(s.hub.config.WriteTimeout)
			if err := s.sink.Write(data, deadline); err != nil {
				s.hub.config.Logger.Debug("broadcast write failed",
					"subscriber_id", s.id,
					"error", err)
				s.hub.evict(s, EvictWriteError)
				return
			}
		}
	}
}
