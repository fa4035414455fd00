package store

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/triage-ai/patrol/internal/evidence"
)

// openTestDB connects to PATROL_TEST_POSTGRES_DSN or skips.
func openTestDB(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("PATROL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PATROL_TEST_POSTGRES_DSN not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	s := NewStore(db)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestArchiveSession_RoundTrip(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()

	started := time.Now().Add(-5 * time.Minute).UTC().Truncate(time.Millisecond)
	rec := ArchiveRecord{
		PatrolID:         uuid.NewString(),
		StartedAt:        started,
		Duration:         5 * time.Minute,
		ThreatCount:      2,
		ManualScanCount:  1,
		FinalThreatLevel: "DANGER",
		BaselineAnalysis: "Operator at desk, office lit",
		BaselineSnapshot: []byte{0xff, 0xd8, 0x01},
		Evidence: []evidence.Item{
			{ID: uuid.NewString(), CapturedAt: started.Add(time.Minute), Image: []byte{1}, Kind: evidence.KindIntrusion},
			{ID: uuid.NewString(), CapturedAt: started.Add(2 * time.Minute), Image: []byte{2}, Kind: evidence.KindIntrusion},
		},
		LogCount: 14,
	}

	a, err := s.ArchiveSession(ctx, rec)
	if err != nil {
		t.Fatalf("ArchiveSession: %v", err)
	}
	if a.EvidenceCount != 2 {
		t.Errorf("EvidenceCount = %d, want 2", a.EvidenceCount)
	}
	if a.DurationMs != (5 * time.Minute).Milliseconds() {
		t.Errorf("DurationMs = %d", a.DurationMs)
	}

	got, err := s.GetArchive(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetArchive: %v", err)
	}
	if got == nil || got.PatrolID != rec.PatrolID {
		t.Fatalf("GetArchive = %+v, want patrol %s", got, rec.PatrolID)
	}

	list, err := s.ListArchives(ctx, 10)
	if err != nil {
		t.Fatalf("ListArchives: %v", err)
	}
	if len(list) == 0 || list[0].ID != a.ID {
		t.Errorf("newest archive not first in list")
	}
}

func TestArchiveSession_DuplicatePatrolRollsBack(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()

	rec := ArchiveRecord{PatrolID: uuid.NewString(), StartedAt: time.Now(), FinalThreatLevel: "SAFE"}
	if _, err := s.ArchiveSession(ctx, rec); err != nil {
		t.Fatalf("first archive: %v", err)
	}
	if _, err := s.ArchiveSession(ctx, rec); err == nil {
		t.Error("expected unique violation on second archive of the same patrol")
	}
}

func TestGetArchive_NotFound(t *testing.T) {
	s := openTestDB(t)
	a, err := s.GetArchive(context.Background(), uuid.NewString())
	if err != nil {
		t.Fatalf("GetArchive: %v", err)
	}
	if a != nil {
		t.Errorf("GetArchive = %+v, want nil", a)
	}
}
