package chread

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// Reader provides read access to the ClickHouse patrol_events table.
type Reader struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewReader opens a ClickHouse connection for read queries.
func NewReader(dsn string, logger *zap.Logger) (*Reader, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if opts.TLS == nil && len(opts.Addr) > 0 && strings.HasSuffix(opts.Addr[0], ":9440") {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}

	return &Reader{conn: conn, logger: logger}, nil
}

// Close closes the ClickHouse connection.
func (r *Reader) Close() error {
	return r.conn.Close()
}

// EventRow represents a single row from the patrol_events table.
type EventRow struct {
	EventID     string    `json:"event_id"`
	PatrolID    string    `json:"patrol_id"`
	Timestamp   time.Time `json:"timestamp"`
	Source      string    `json:"source"`
	Message     string    `json:"message"`
	State       string    `json:"state"`
	ThreatLevel string    `json:"threat_level"`
}

// ListEventsParams holds filters and pagination for event listing.
type ListEventsParams struct {
	PatrolID    *string
	Source      *string
	ThreatLevel *string
	StartTime   *time.Time
	EndTime     *time.Time
	Page        int
	PageSize    int
}

// filter builds the WHERE clause and its named arguments.
func (p ListEventsParams) filter() (string, []any) {
	conditions := []string{"1 = 1"}
	var args []any

	if p.PatrolID != nil {
		conditions = append(conditions, "patrol_id = @patrol_id")
		args = append(args, clickhouse.Named("patrol_id", *p.PatrolID))
	}
	if p.Source != nil {
		conditions = append(conditions, "source = @source")
		args = append(args, clickhouse.Named("source", *p.Source))
	}
	if p.ThreatLevel != nil {
		conditions = append(conditions, "threat_level = @threat_level")
		args = append(args, clickhouse.Named("threat_level", *p.ThreatLevel))
	}
	if p.StartTime != nil {
		conditions = append(conditions, "timestamp >= @start_time")
		args = append(args, clickhouse.Named("start_time", *p.StartTime))
	}
	if p.EndTime != nil {
		conditions = append(conditions, "timestamp <= @end_time")
		args = append(args, clickhouse.Named("end_time", *p.EndTime))
	}
	return strings.Join(conditions, " AND "), args
}

// ListEvents returns paginated, filtered patrol events and the total count.
func (r *Reader) ListEvents(ctx context.Context, params ListEventsParams) ([]EventRow, int, error) {
	where, args := params.filter()
	offset := (params.Page - 1) * params.PageSize

	var total uint64
	countQuery := fmt.Sprintf("SELECT count() FROM patrol_events WHERE %s", where)
	if err := r.conn.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListEvents count: %w", err)
	}

	dataQuery := fmt.Sprintf(
		"SELECT event_id, patrol_id, timestamp, source, message, state, threat_level "+
			"FROM patrol_events WHERE %s "+
			"ORDER BY timestamp DESC "+
			"LIMIT @limit OFFSET @offset",
		where,
	)
	args = append(args,
		clickhouse.Named("limit", uint32(params.PageSize)),
		clickhouse.Named("offset", uint32(offset)),
	)

	rows, err := r.conn.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ListEvents query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []EventRow{}
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.EventID, &e.PatrolID, &e.Timestamp, &e.Source,
			&e.Message, &e.State, &e.ThreatLevel,
		); err != nil {
			return nil, 0, fmt.Errorf("ListEvents scan: %w", err)
		}
		events = append(events, e)
	}

	return events, int(total), rows.Err()
}

// SummaryStats holds aggregate counts.
type SummaryStats struct {
	TotalEvents int `json:"total_events"`
	Patrols     int `json:"patrols"`
	Perception  int `json:"perception"`
	Reasoning   int `json:"reasoning"`
	System      int `json:"system"`
	Danger      int `json:"danger"`
}

// TimeSeriesBucket holds an hourly count.
type TimeSeriesBucket struct {
	Hour  string `json:"hour"`
	Count int    `json:"count"`
}

// PatrolCount holds a patrol and its DANGER event count.
type PatrolCount struct {
	PatrolID string `json:"patrol_id"`
	Count    int    `json:"count"`
}

// ActivityResult holds all activity aggregations.
type ActivityResult struct {
	Summary        SummaryStats       `json:"summary"`
	DangerOverTime []TimeSeriesBucket `json:"danger_over_time"`
	TopPatrols     []PatrolCount      `json:"top_patrols"`
}

// GetActivity returns aggregated patrol activity over the given number of days.
func (r *Reader) GetActivity(ctx context.Context, days int) (*ActivityResult, error) {
	rangeStart := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	baseArgs := []any{clickhouse.Named("range_start", rangeStart)}

	result := &ActivityResult{}

	var total, patrols, perception, reasoning, system, danger uint64
	err := r.conn.QueryRow(ctx,
		"SELECT count() as total, "+
			"uniqExact(patrol_id) as patrols, "+
			"countIf(source = 'PERCEPTION') as perception, "+
			"countIf(source = 'REASONING') as reasoning, "+
			"countIf(source = 'SYSTEM') as system, "+
			"countIf(threat_level = 'DANGER') as danger "+
			"FROM patrol_events WHERE timestamp >= @range_start",
		baseArgs...,
	).Scan(&total, &patrols, &perception, &reasoning, &system, &danger)
	if err != nil {
		return nil, fmt.Errorf("GetActivity summary: %w", err)
	}
	result.Summary = SummaryStats{
		TotalEvents: int(total),
		Patrols:     int(patrols),
		Perception:  int(perception),
		Reasoning:   int(reasoning),
		System:      int(system),
		Danger:      int(danger),
	}

	dotRows, err := r.conn.Query(ctx,
		"SELECT toStartOfHour(timestamp) as hour, count() as count "+
			"FROM patrol_events "+
			"WHERE threat_level = 'DANGER' AND timestamp >= @range_start "+
			"GROUP BY hour ORDER BY hour",
		baseArgs...,
	)
	if err != nil {
		return nil, fmt.Errorf("GetActivity danger_over_time: %w", err)
	}
	defer func() { _ = dotRows.Close() }()
	for dotRows.Next() {
		var hour time.Time
		var count uint64
		if err := dotRows.Scan(&hour, &count); err != nil {
			return nil, fmt.Errorf("GetActivity danger_over_time scan: %w", err)
		}
		result.DangerOverTime = append(result.DangerOverTime, TimeSeriesBucket{
			Hour:  hour.Format(time.RFC3339),
			Count: int(count),
		})
	}

	patrolRows, err := r.conn.Query(ctx,
		"SELECT patrol_id, count() as count "+
			"FROM patrol_events "+
			"WHERE threat_level = 'DANGER' AND patrol_id != '' AND timestamp >= @range_start "+
			"GROUP BY patrol_id ORDER BY count DESC LIMIT 10",
		baseArgs...,
	)
	if err != nil {
		return nil, fmt.Errorf("GetActivity top_patrols: %w", err)
	}
	defer func() { _ = patrolRows.Close() }()
	for patrolRows.Next() {
		var pid string
		var count uint64
		if err := patrolRows.Scan(&pid, &count); err != nil {
			return nil, fmt.Errorf("GetActivity top_patrols scan: %w", err)
		}
		result.TopPatrols = append(result.TopPatrols, PatrolCount{PatrolID: pid, Count: int(count)})
	}

	// Ensure slices are non-nil for JSON serialization
	if result.DangerOverTime == nil {
		result.DangerOverTime = []TimeSeriesBucket{}
	}
	if result.TopPatrols == nil {
		result.TopPatrols = []PatrolCount{}
	}

	return result, nil
}
