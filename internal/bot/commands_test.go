package bot

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenlabs/warden/internal/engine/ledger"
)

func TestBuildActivityEmbedsPagination(t *testing.T) {
	t.Parallel()

	snap := make(map[uint64]ledger.UserRecord, 20)
	for i := range uint64(20) {
		snap[i+1] = ledger.UserRecord{
			DisplayName:    fmt.Sprintf("user-%d", i+1),
			MessageCount:   int(i),
			LastActivityAt: int64(i+1) * 1000,
		}
	}

	embeds := buildActivityEmbeds(snap)

	require.Len(t, embeds, 2)
	assert.Len(t, embeds[0].Fields, 15)
	assert.Len(t, embeds[1].Fields, 5)

	// Most recent activity leads the first page
	assert.Contains(t, embeds[0].Fields[0].Name, "user-20")
	assert.Contains(t, embeds[0].Title, "1-15 of 20")
	assert.Contains(t, embeds[1].Title, "16-20 of 20")
}

func TestBuildActivityEmbedsEmptyLedger(t *testing.T) {
	t.Parallel()

	embeds := buildActivityEmbeds(nil)

	require.Len(t, embeds, 1)
	assert.Contains(t, embeds[0].Description, "No activity recorded")
}

func TestBuildActivityEmbedsFallbackName(t *testing.T) {
	t.Parallel()

	embeds := buildActivityEmbeds(map[uint64]ledger.UserRecord{
		42: {MessageCount: 3},
	})

	require.Len(t, embeds, 1)
	require.Len(t, embeds[0].Fields, 1)
	assert.Contains(t, embeds[0].Fields[0].Name, "user 42")
}

func TestFormatTimeAgo(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		ts   int64
		want string
	}{
		{name: "never seen", ts: 0, want: "never"},
		{name: "seconds", ts: now.Add(-30 * time.Second).UnixMilli(), want: "just now"},
		{name: "minutes", ts: now.Add(-5 * time.Minute).UnixMilli(), want: "5m ago"},
		{name: "hours", ts: now.Add(-3 * time.Hour).UnixMilli(), want: "3h ago"},
		{name: "days", ts: now.Add(-49 * time.Hour).UnixMilli(), want: "2d ago"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, formatTimeAgo(tt.ts, now))
		})
	}
}
