package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/onnwee/livepresence/internal/activity"
	"github.com/onnwee/livepresence/internal/presence"
	"github.com/onnwee/livepresence/internal/stats"
	"github.com/onnwee/livepresence/internal/tracing"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// UpsertPresence writes the record unless the stored row has later activity,
// or the same activity and a higher version.
func (s *PostgresStore) UpsertPresence(ctx context.Context, rec *presence.Record) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "presence_sessions", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	query := `
		INSERT INTO presence_sessions (
			session_id, user_id, user_type, session_type, device_type,
			content_id, media_asset_id, content_title, content_type,
			playback_position, playback_duration, playback_percentage,
			latency_ms, frame_rate, bandwidth_kbps, connection_type,
			ip_address, country_code, geohash_prefix, screen_resolution, language, user_agent, live_room,
			joined_at, last_activity, expires_at, is_active, disconnected_at, disconnect_reason,
			reconnect_count, version
		) VALUES (
			$1, NULLIF($2, ''), $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12,
			$13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23,
			$24, $25, $26, $27, $28, $29,
			$30, $31
		)
		ON CONFLICT (session_id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			user_type = EXCLUDED.user_type,
			session_type = EXCLUDED.session_type,
			device_type = EXCLUDED.device_type,
			content_id = EXCLUDED.content_id,
			media_asset_id = EXCLUDED.media_asset_id,
			content_title = EXCLUDED.content_title,
			content_type = EXCLUDED.content_type,
			playback_position = EXCLUDED.playback_position,
			playback_duration = EXCLUDED.playback_duration,
			playback_percentage = EXCLUDED.playback_percentage,
			latency_ms = EXCLUDED.latency_ms,
			frame_rate = EXCLUDED.frame_rate,
			bandwidth_kbps = EXCLUDED.bandwidth_kbps,
			connection_type = EXCLUDED.connection_type,
			ip_address = EXCLUDED.ip_address,
			country_code = EXCLUDED.country_code,
			geohash_prefix = EXCLUDED.geohash_prefix,
			screen_resolution = EXCLUDED.screen_resolution,
			language = EXCLUDED.language,
			user_agent = EXCLUDED.user_agent,
			live_room = EXCLUDED.live_room,
			joined_at = EXCLUDED.joined_at,
			last_activity = EXCLUDED.last_activity,
			expires_at = EXCLUDED.expires_at,
			is_active = EXCLUDED.is_active,
			disconnected_at = EXCLUDED.disconnected_at,
			disconnect_reason = EXCLUDED.disconnect_reason,
			reconnect_count = EXCLUDED.reconnect_count,
			version = EXCLUDED.version
		WHERE (presence_sessions.last_activity, presence_sessions.version) < (EXCLUDED.last_activity, EXCLUDED.version)
	`

	_, err = s.db.ExecContext(ctx, query,
		rec.SessionID, rec.UserID, string(rec.UserType), string(rec.SessionType), rec.DeviceType,
		rec.ContentID, rec.MediaAssetID, rec.ContentTitle, rec.ContentType,
		rec.PlaybackPosition, rec.PlaybackDuration, rec.PlaybackPercentage,
		rec.LatencyMs, rec.FrameRate, rec.BandwidthKbps, rec.ConnectionType,
		rec.IPAddress, rec.CountryCode, rec.GeohashPrefix, rec.ScreenResolution, rec.Language, rec.UserAgent, rec.LiveRoom,
		rec.JoinedAt, rec.LastActivity, rec.ExpiresAt, rec.IsActive, rec.DisconnectedAt, rec.DisconnectReason,
		rec.ReconnectCount, rec.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert presence: %w", err)
	}
	return nil
}

// ScanExpired returns active rows whose deadline has passed, oldest first.
func (s *PostgresStore) ScanExpired(ctx context.Context, now time.Time) (ids []string, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "presence_sessions", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `
		SELECT session_id
		FROM presence_sessions
		WHERE is_active AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2
	`

	rows, err := s.db.QueryContext(ctx, query, now, DefaultScanLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to scan expired sessions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating expired sessions: %w", err)
	}
	return ids, nil
}

// Deactivate marks an active row inactive. The returned record carries the
// identity, timing and version columns needed to describe the departure.
func (s *PostgresStore) Deactivate(ctx context.Context, sessionID, reason string, at time.Time) (_ *presence.Record, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "presence_sessions", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	query := `
		UPDATE presence_sessions
		SET is_active = FALSE,
		    disconnected_at = $2,
		    disconnect_reason = $3,
		    version = version + 1
		WHERE session_id = $1 AND is_active
		RETURNING user_id, user_type, device_type, content_id, joined_at, last_activity, reconnect_count, version
	`

	var (
		userID   sql.NullString
		userType string
	)
	rec := &presence.Record{SessionID: sessionID, DisconnectedAt: &at, DisconnectReason: reason}
	err = s.db.QueryRowContext(ctx, query, sessionID, at, reason).Scan(
		&userID, &userType, &rec.DeviceType, &rec.ContentID,
		&rec.JoinedAt, &rec.LastActivity, &rec.ReconnectCount, &rec.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to deactivate session: %w", err)
	}
	rec.UserID = userID.String
	rec.UserType = presence.UserType(userType)
	return rec, nil
}

// AppendEvent inserts an activity event.
func (s *PostgresStore) AppendEvent(ctx context.Context, e activity.Event) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "activity_events", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode event payload: %w", err)
	}
	metadata := []byte("{}")
	if len(e.Metadata) > 0 {
		if metadata, err = json.Marshal(e.Metadata); err != nil {
			return fmt.Errorf("failed to encode event metadata: %w", err)
		}
	}

	query := `
		INSERT INTO activity_events (id, session_id, event_type, seq, payload, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`

	_, err = s.db.ExecContext(ctx, query,
		e.ID, e.SessionID, string(e.Kind), e.Seq, payload, metadata, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// InsertSnapshot upserts the row for the snapshot's (type, bucket).
func (s *PostgresStore) InsertSnapshot(ctx context.Context, snap *stats.Snapshot) (err error) {
	if snap == nil || !snap.Type.Valid() || snap.TimeBucket.IsZero() {
		return ErrInvalidSnapshot
	}
	ctx, endSpan := tracing.StartDBSpan(ctx, "stats_snapshots", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	query := `
		INSERT INTO stats_snapshots (snapshot_type, time_bucket, total_active, data, computed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (snapshot_type, time_bucket) DO UPDATE SET
			total_active = EXCLUDED.total_active,
			data = EXCLUDED.data,
			computed_at = EXCLUDED.computed_at
	`

	_, err = s.db.ExecContext(ctx, query,
		string(snap.Type), snap.TimeBucket, snap.TotalActive, data, snap.ComputedAt)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// QueryActiveAggregate groups active, unexpired rows by device, session type, user type and country.
func (s *PostgresStore) QueryActiveAggregate(ctx context.Context, filter presence.Filter, now time.Time) (agg *Aggregate, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "presence_sessions", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	conds := []string{"is_active", "expires_at > $1"}
	args := []interface{}{now}
	addCond := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		conds = append(conds, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	addCond("user_id", filter.UserID)
	addCond("user_type", string(filter.UserType))
	addCond("session_type", string(filter.SessionType))
	addCond("device_type", filter.DeviceType)
	addCond("content_id", filter.ContentID)
	addCond("content_type", filter.ContentType)
	addCond("country_code", strings.ToUpper(filter.CountryCode))

	query := `
		SELECT device_type, session_type, user_type, country_code, COUNT(*)
		FROM presence_sessions
		WHERE ` + strings.Join(conds, " AND ") + `
		GROUP BY device_type, session_type, user_type, country_code
	`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query active aggregate: %w", err)
	}
	defer rows.Close()

	agg = NewAggregate()
	for rows.Next() {
		var device, sessionType, userType, country string
		var n int
		if err := rows.Scan(&device, &sessionType, &userType, &country, &n); err != nil {
			return nil, fmt.Errorf("failed to scan aggregate row: %w", err)
		}
		agg.add(device, sessionType, userType, country, n)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating aggregate rows: %w", err)
	}
	return agg, nil
}

// ListSnapshots returns archived snapshots newest first.
func (s *PostgresStore) ListSnapshots(ctx context.Context, q SnapshotQuery) (out []*stats.Snapshot, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "stats_snapshots", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	if q.Limit <= 0 {
		q.Limit = 100
	}
	conds := []string{"snapshot_type = $1"}
	args := []interface{}{string(q.Type)}
	if !q.Since.IsZero() {
		args = append(args, q.Since)
		conds = append(conds, fmt.Sprintf("time_bucket >= $%d", len(args)))
	}
	if !q.Until.IsZero() {
		args = append(args, q.Until)
		conds = append(conds, fmt.Sprintf("time_bucket < $%d", len(args)))
	}
	args = append(args, q.Limit)

	query := fmt.Sprintf(`
		SELECT data
		FROM stats_snapshots
		WHERE %s
		ORDER BY time_bucket DESC
		LIMIT $%d
	`, strings.Join(conds, " AND "), len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snap := &stats.Snapshot{}
		if err := json.Unmarshal(data, snap); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot: %w", err)
		}
		out = append(out, snap)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return out, nil
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
