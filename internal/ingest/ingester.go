package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/livepresence/internal/activity"
	"github.com/onnwee/livepresence/internal/presence"
	"github.com/onnwee/livepresence/internal/stats"
)

// Persister receives durable writes. Implementations must not block.
type Persister interface {
	UpsertPresence(rec *presence.Record) bool
	AppendEvent(e activity.Event) bool
}

// Broadcaster offers activity events to subscribers, subject to sampling.
type Broadcaster interface {
	PublishActivity(e activity.Event) bool
}

// Ack is returned to the client for every accepted message.
type Ack struct {
	Type      Type       `json:"type"`
	SessionID string     `json:"session_id"`
	Active    bool       `json:"active"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Version   int64      `json:"version"`
}

func ackFor(t Type, rec *presence.Record) Ack {
	ack := Ack{Type: t, SessionID: rec.SessionID, Active: rec.IsActive, Version: rec.Version}
	if rec.IsActive {
		exp := rec.ExpiresAt
		ack.ExpiresAt = &exp
	}
	return ack
}

// Config configures an Ingester.
type Config struct {
	Logger   *slog.Logger
	Metrics  *Metrics
	Counters *stats.IngestCounters
	// Now decides whether a started session is still live. Defaults to time.Now.
	Now func() time.Time
}

// Ingester applies session messages to the registry and records the resulting events.
// Persistence and broadcast are fire-and-forget; only registry failures reach the caller.
type Ingester struct {
	config    Config
	registry  presence.Registry
	log       activity.Log
	persist   Persister
	broadcast Broadcaster
}

// NewIngester creates an ingester. persist and broadcast may be nil.
func NewIngester(config Config, registry presence.Registry, log activity.Log, persist Persister, broadcast Broadcaster) *Ingester {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Ingester{
		config:    config,
		registry:  registry,
		log:       log,
		persist:   persist,
		broadcast: broadcast,
	}
}

// Handle dispatches a message by type.
func (i *Ingester) Handle(ctx context.Context, msg *Message) (Ack, error) {
	switch msg.Type {
	case TypeStart:
		return i.SessionStart(ctx, msg)
	case TypeHeartbeat:
		return i.Heartbeat(ctx, msg)
	case TypeEnd:
		return i.SessionEnd(ctx, msg)
	default:
		err := fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, msg.Type)
		i.reject("unknown", msg, err)
		return Ack{}, err
	}
}

// SessionStart creates or re-establishes a session. A start for a session that is
// still live changes nothing, so client retries record no duplicate join.
func (i *Ingester) SessionStart(ctx context.Context, msg *Message) (Ack, error) {
	if id, err := msg.SessionKey(); err == nil {
		rec, err := i.registry.Get(ctx, id)
		if err == nil && rec.IsLive(i.config.Now()) {
			i.config.Metrics.observeMessage(TypeStart, OutcomeAccepted)
			return ackFor(TypeStart, rec), nil
		}
		if err != nil && !errors.Is(err, presence.ErrSessionNotFound) {
			i.config.Metrics.observeMessage(TypeStart, OutcomeFailed)
			return Ack{}, fmt.Errorf("failed to look up session: %w", err)
		}
	}
	res, err := i.upsert(ctx, TypeStart, msg)
	if err != nil {
		return Ack{}, err
	}
	i.record(ctx, res.Record, i.transitions(res, TypeStart))
	return ackFor(TypeStart, res.Record), nil
}

// Heartbeat refreshes a session and records a heartbeat event, preceded by a join
// when the heartbeat started a new presence interval.
func (i *Ingester) Heartbeat(ctx context.Context, msg *Message) (Ack, error) {
	res, err := i.upsert(ctx, TypeHeartbeat, msg)
	if err != nil {
		return Ack{}, err
	}
	rec := res.Record
	events := i.transitions(res, TypeHeartbeat)
	events = append(events, activity.New(rec.SessionID, rec.Version, activity.Heartbeat{
		PlaybackPosition: rec.PlaybackPosition,
		LatencyMs:        rec.LatencyMs,
		BandwidthKbps:    rec.BandwidthKbps,
	}, nil, rec.LastActivity))
	i.record(ctx, rec, events)

	if i.config.Counters != nil {
		i.config.Counters.RecordHeartbeat()
	}
	return ackFor(TypeHeartbeat, rec), nil
}

// SessionEnd deactivates a session. A user_left event is recorded only when the
// session was active.
func (i *Ingester) SessionEnd(ctx context.Context, msg *Message) (Ack, error) {
	id, err := msg.SessionKey()
	if err != nil {
		i.reject(TypeEnd, msg, err)
		return Ack{}, err
	}
	return i.End(ctx, id, msg.EndReason())
}

// End deactivates a session with the given reason. Used directly by transports
// when a connection drops without an end message.
func (i *Ingester) End(ctx context.Context, sessionID, reason string) (Ack, error) {
	res, err := i.registry.Deactivate(ctx, sessionID, reason)
	if err != nil {
		i.config.Metrics.observeMessage(TypeEnd, OutcomeFailed)
		return Ack{}, fmt.Errorf("failed to deactivate session: %w", err)
	}
	i.config.Metrics.observeMessage(TypeEnd, OutcomeAccepted)

	if !res.Found {
		return Ack{Type: TypeEnd, SessionID: sessionID}, nil
	}
	if res.Changed {
		i.record(ctx, res.Record, []activity.Event{
			activity.LeaveFor(res.Record, map[string]string{activity.MetaSource: "client"}),
		})
		if i.config.Counters != nil {
			i.config.Counters.RecordLeave()
		}
	}
	return ackFor(TypeEnd, res.Record), nil
}

func (i *Ingester) upsert(ctx context.Context, t Type, msg *Message) (presence.UpsertResult, error) {
	patch, err := msg.Patch()
	if err != nil {
		i.reject(t, msg, err)
		return presence.UpsertResult{}, err
	}
	res, err := i.registry.Upsert(ctx, patch)
	if err != nil {
		i.config.Metrics.observeMessage(t, OutcomeFailed)
		return presence.UpsertResult{}, fmt.Errorf("failed to upsert presence: %w", err)
	}
	i.config.Metrics.observeMessage(t, OutcomeAccepted)
	if res.Joined() && i.config.Counters != nil {
		i.config.Counters.RecordJoin()
	}
	return res, nil
}

// transitions returns the join, content and quality events implied by an upsert.
func (i *Ingester) transitions(res presence.UpsertResult, t Type) []activity.Event {
	rec := res.Record
	if res.Joined() {
		return []activity.Event{activity.JoinFor(rec, map[string]string{activity.MetaSource: string(t)})}
	}

	var events []activity.Event
	prev := res.Previous
	if prev != nil && rec.ContentID != prev.ContentID {
		events = append(events, activity.New(rec.SessionID, rec.Version, activity.ContentChanged{
			From: prev.ContentID,
			To:   rec.ContentID,
		}, nil, rec.LastActivity))
	}
	if prev != nil {
		from, to := presence.QualityTier(prev), presence.QualityTier(rec)
		if from != to && to != presence.QualityUnknown {
			events = append(events, activity.New(rec.SessionID, rec.Version, activity.QualityChanged{
				From: from,
				To:   to,
			}, nil, rec.LastActivity))
		}
	}
	return events
}

// record appends events to the log, queues persistence, and offers events to subscribers.
func (i *Ingester) record(ctx context.Context, rec *presence.Record, events []activity.Event) {
	for _, e := range events {
		if err := i.log.Append(ctx, e); err != nil {
			i.config.Logger.Error("failed to append activity event",
				"session_id", e.SessionID,
				"event_type", e.Kind,
				"error", err)
		}
		i.config.Metrics.observeEvent(string(e.Kind))
		if i.persist != nil {
			i.persist.AppendEvent(e)
		}
	}
	if i.persist != nil {
		i.persist.UpsertPresence(rec)
	}
	if i.broadcast != nil {
		for _, e := range events {
			i.broadcast.PublishActivity(e)
		}
	}
}

func (i *Ingester) reject(t Type, msg *Message, err error) {
	i.config.Metrics.observeMessage(t, OutcomeRejected)
	if i.config.Counters != nil {
		i.config.Counters.RecordRejected()
	}
	i.config.Logger.Warn("rejected session message",
		"type", t,
		"session_id", msg.SessionID,
		"error", err)
}

// IsInvalid reports whether err was caused by a malformed message.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidMessage)
}
