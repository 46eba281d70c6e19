// Package admin implements operator actions on live sessions.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/livepresence/internal/activity"
	"github.com/onnwee/livepresence/internal/presence"
	"github.com/onnwee/livepresence/internal/tracing"
)

// ActionForceDisconnect is the admin_action name recorded for ForceDisconnect.
const ActionForceDisconnect = "force_disconnect"

// DefaultTerminateTimeout bounds each best-effort termination call.
const DefaultTerminateTimeout = 5 * time.Second

// ErrMissingAdmin is returned when an action has no operator id.
var ErrMissingAdmin = errors.New("admin id is required")

// Terminator closes whatever keeps a session's client connected.
// Terminations are best effort: errors are logged, never returned to the operator.
type Terminator interface {
	Terminate(ctx context.Context, rec *presence.Record) error
}

// ParticipantRemover removes a participant from a live room.
type ParticipantRemover interface {
	RemoveParticipant(ctx context.Context, roomName, participantIdentity string) error
}

// LiveRoomTerminator removes the session's participant from its live room.
// Sessions outside a live room are skipped.
type LiveRoomTerminator struct {
	Remover ParticipantRemover
}

// Terminate removes the participant identified by user id, or session id for anonymous users.
func (t LiveRoomTerminator) Terminate(ctx context.Context, rec *presence.Record) error {
	if rec.LiveRoom == "" || t.Remover == nil {
		return nil
	}
	identity := rec.UserID
	if identity == "" {
		identity = rec.SessionID
	}
	return t.Remover.RemoveParticipant(ctx, rec.LiveRoom, identity)
}

// Persister receives durable writes. Implementations must not block.
type Persister interface {
	UpsertPresence(rec *presence.Record) bool
	AppendEvent(e activity.Event) bool
}

// Broadcaster delivers operator events to subscribers without sampling.
type Broadcaster interface {
	PublishActivityNow(e activity.Event)
}

// Result describes the outcome of ForceDisconnect.
type Result struct {
	SessionID string
	Found     bool
	Changed   bool
}

// Config configures a Controller.
type Config struct {
	Logger           *slog.Logger
	TerminateTimeout time.Duration
	Now              func() time.Time
	// Actions counts force disconnects by outcome. Optional.
	Actions *prometheus.CounterVec
}

// Controller performs operator actions.
type Controller struct {
	config      Config
	registry    presence.Registry
	log         activity.Log
	persist     Persister
	broadcast   Broadcaster
	terminators []Terminator
}

// NewController creates a controller. persist and broadcast may be nil.
func NewController(config Config, registry presence.Registry, log activity.Log, persist Persister, broadcast Broadcaster, terminators ...Terminator) *Controller {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.TerminateTimeout <= 0 {
		config.TerminateTimeout = DefaultTerminateTimeout
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Controller{
		config:      config,
		registry:    registry,
		log:         log,
		persist:     persist,
		broadcast:   broadcast,
		terminators: terminators,
	}
}

// NewActionsCounter creates the force disconnect counter. It is not registered.
func NewActionsCounter() *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admin_force_disconnects_total",
			Help: "Total number of operator force disconnects by outcome",
		},
		[]string{"outcome"},
	)
}

// ForceDisconnect ends a session on behalf of an operator.
// Unknown or already inactive sessions succeed without side effects. When the
// session was active, exactly one user_left and one admin_action event are recorded.
func (c *Controller) ForceDisconnect(ctx context.Context, sessionID, adminID string) (result Result, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "admin.force_disconnect",
		attribute.String("session_id", sessionID),
		attribute.String("admin_id", adminID))
	defer func() { endSpan(err) }()

	if sessionID == "" {
		return Result{}, presence.ErrMissingSession
	}
	if adminID == "" {
		return Result{}, ErrMissingAdmin
	}

	res, err := c.registry.Deactivate(ctx, sessionID, presence.ReasonAdmin)
	if err != nil {
		return Result{}, fmt.Errorf("failed to deactivate session: %w", err)
	}
	result = Result{SessionID: sessionID, Found: res.Found, Changed: res.Changed}
	if !res.Changed {
		c.count("noop")
		c.config.Logger.Info("force disconnect had no effect",
			"session_id", sessionID,
			"admin_id", adminID,
			"found", res.Found)
		return result, nil
	}
	c.count("disconnected")

	rec := res.Record
	meta := map[string]string{
		activity.MetaAdminID: adminID,
		activity.MetaSource:  "admin",
	}
	action := activity.New(sessionID, rec.Version, activity.AdminAction{
		Action:  ActionForceDisconnect,
		AdminID: adminID,
	}, meta, c.config.Now())
	left := activity.LeaveFor(rec, meta)

	for _, e := range []activity.Event{action, left} {
		if err := c.log.Append(ctx, e); err != nil {
			c.config.Logger.Error("failed to append activity event",
				"session_id", sessionID,
				"event_type", e.Kind,
				"error", err)
		}
		if c.persist != nil {
			c.persist.AppendEvent(e)
		}
	}
	if c.persist != nil {
		c.persist.UpsertPresence(rec)
	}

	c.terminate(ctx, rec)

	if c.broadcast != nil {
		c.broadcast.PublishActivityNow(action)
		c.broadcast.PublishActivityNow(left)
	}

	c.config.Logger.Info("session force disconnected",
		"session_id", sessionID,
		"admin_id", adminID,
		"live_room", rec.LiveRoom)
	return result, nil
}

func (c *Controller) terminate(ctx context.Context, rec *presence.Record) {
	for _, t := range c.terminators {
		tctx, cancel := context.WithTimeout(ctx, c.config.TerminateTimeout)
		err := t.Terminate(tctx, rec)
		cancel()
		if err != nil {
			c.config.Logger.Warn("failed to terminate session transport",
				"session_id", rec.SessionID,
				"terminator", fmt.Sprintf("%T", t),
				"error", err)
		}
	}
}

func (c *Controller) count(outcome string) {
	if c.config.Actions != nil {
		c.config.Actions.WithLabelValues(outcome).Inc()
	}
}
