package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/patrol/internal/evidence"
)

// ArchiveRecord is one finished patrol session as handed over at SUMMARY.
type ArchiveRecord struct {
	PatrolID         string
	StartedAt        time.Time
	Duration         time.Duration
	ThreatCount      int
	ManualScanCount  int
	FinalThreatLevel string
	BaselineAnalysis string
	BaselineSnapshot []byte
	Evidence         []evidence.Item
	LogCount         int
}

// Archive is a row in the patrol_archives table.
type Archive struct {
	ID               string
	PatrolID         string
	StartedAt        time.Time
	DurationMs       int64
	ThreatCount      int
	ManualScanCount  int
	FinalThreatLevel string
	BaselineAnalysis string
	EvidenceCount    int
	LogCount         int
	ArchivedAt       time.Time
}

// ArchiveSession inserts the patrol summary, its baseline snapshot and every
// evidence item in a single transaction.
func (s *Store) ArchiveSession(ctx context.Context, rec ArchiveRecord) (*Archive, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ArchiveSession: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var a Archive
	err = tx.QueryRowContext(ctx, `
		INSERT INTO patrol_archives (
			patrol_id, started_at, duration_ms, threat_count, manual_scan_count,
			final_threat_level, baseline_analysis, evidence_count, log_count
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, patrol_id, started_at, duration_ms, threat_count, manual_scan_count,
		          final_threat_level, baseline_analysis, evidence_count, log_count, archived_at`,
		rec.PatrolID, rec.StartedAt, rec.Duration.Milliseconds(), rec.ThreatCount, rec.ManualScanCount,
		rec.FinalThreatLevel, rec.BaselineAnalysis, len(rec.Evidence), rec.LogCount,
	).Scan(&a.ID, &a.PatrolID, &a.StartedAt, &a.DurationMs, &a.ThreatCount, &a.ManualScanCount,
		&a.FinalThreatLevel, &a.BaselineAnalysis, &a.EvidenceCount, &a.LogCount, &a.ArchivedAt)
	if err != nil {
		return nil, fmt.Errorf("ArchiveSession: %w", err)
	}

	insert := `
		INSERT INTO patrol_evidence (id, archive_id, captured_at, kind, image)
		VALUES ($1, $2, $3, $4, $5)`

	if len(rec.BaselineSnapshot) > 0 {
		if _, err := tx.ExecContext(ctx, insert,
			uuid.NewString(), a.ID, rec.StartedAt, string(evidence.KindSnapshot), rec.BaselineSnapshot,
		); err != nil {
			return nil, fmt.Errorf("ArchiveSession: baseline: %w", err)
		}
	}

	for _, item := range rec.Evidence {
		if _, err := tx.ExecContext(ctx, insert,
			item.ID, a.ID, item.CapturedAt, string(item.Kind), item.Image,
		); err != nil {
			return nil, fmt.Errorf("ArchiveSession: evidence %s: %w", item.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ArchiveSession: %w", err)
	}
	return &a, nil
}

// ListArchives returns the most recent archives, newest first.
func (s *Store) ListArchives(ctx context.Context, limit int) ([]*Archive, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, patrol_id, started_at, duration_ms, threat_count, manual_scan_count,
		       final_threat_level, baseline_analysis, evidence_count, log_count, archived_at
		FROM patrol_archives ORDER BY archived_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("ListArchives: %w", err)
	}
	defer rows.Close()

	var archives []*Archive
	for rows.Next() {
		var a Archive
		if err := rows.Scan(&a.ID, &a.PatrolID, &a.StartedAt, &a.DurationMs, &a.ThreatCount,
			&a.ManualScanCount, &a.FinalThreatLevel, &a.BaselineAnalysis, &a.EvidenceCount,
			&a.LogCount, &a.ArchivedAt); err != nil {
			return nil, fmt.Errorf("ListArchives: %w", err)
		}
		archives = append(archives, &a)
	}
	return archives, rows.Err()
}

// GetArchive returns an archive by ID, or nil if not found.
func (s *Store) GetArchive(ctx context.Context, id string) (*Archive, error) {
	var a Archive
	err := s.db.QueryRowContext(ctx, `
		SELECT id, patrol_id, started_at, duration_ms, threat_count, manual_scan_count,
		       final_threat_level, baseline_analysis, evidence_count, log_count, archived_at
		FROM patrol_archives WHERE id = $1`, id,
	).Scan(&a.ID, &a.PatrolID, &a.StartedAt, &a.DurationMs, &a.ThreatCount,
		&a.ManualScanCount, &a.FinalThreatLevel, &a.BaselineAnalysis, &a.EvidenceCount,
		&a.LogCount, &a.ArchivedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetArchive: %w", err)
	}
	return &a, nil
}
