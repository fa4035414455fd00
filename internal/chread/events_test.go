package chread

import (
	"strings"
	"testing"
	"time"
)

func TestListEventsParams_Filter(t *testing.T) {
	patrol := "0195f0c2-patrol"
	source := "PERCEPTION"
	level := "DANGER"
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		params   ListEventsParams
		wantArgs int
		contains []string
	}{
		{
			name:     "no filters",
			params:   ListEventsParams{},
			wantArgs: 0,
			contains: []string{"1 = 1"},
		},
		{
			name:     "patrol only",
			params:   ListEventsParams{PatrolID: &patrol},
			wantArgs: 1,
			contains: []string{"patrol_id = @patrol_id"},
		},
		{
			name:     "all filters",
			params:   ListEventsParams{PatrolID: &patrol, Source: &source, ThreatLevel: &level, StartTime: &start, EndTime: &start},
			wantArgs: 5,
			contains: []string{"source = @source", "threat_level = @threat_level", "timestamp >= @start_time", "timestamp <= @end_time"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			where, args := tt.params.filter()
			if len(args) != tt.wantArgs {
				t.Errorf("got %d args, want %d", len(args), tt.wantArgs)
			}
			for _, c := range tt.contains {
				if !strings.Contains(where, c) {
					t.Errorf("where %q missing %q", where, c)
				}
			}
		})
	}
}
