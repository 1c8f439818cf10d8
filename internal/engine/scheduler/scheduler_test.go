package scheduler_test

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wardenlabs/warden/internal/discord"
	"github.com/wardenlabs/warden/internal/discord/discordtest"
	"github.com/wardenlabs/warden/internal/engine/ledger"
	"github.com/wardenlabs/warden/internal/engine/lifecycle"
	"github.com/wardenlabs/warden/internal/engine/poll"
	"github.com/wardenlabs/warden/internal/engine/scheduler"
	"github.com/wardenlabs/warden/internal/engine/store"
	"go.uber.org/zap"
)

const (
	testBotID           = uint64(1)
	testOwnerID         = uint64(2)
	testGuildID         = uint64(10)
	testPollChannel     = uint64(20)
	testAnnounceChannel = uint64(21)
)

type fixture struct {
	scheduler *scheduler.Scheduler
	ledger    *ledger.Ledger
	store     *store.Store
	gateway   *discordtest.FakeGateway
	polls     *poll.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	gw := discordtest.New(testBotID)
	gw.OwnerID = testOwnerID
	gw.Roles = []discord.Role{{ID: 40, Position: 5}}
	gw.AddMember(discord.Member{ID: testBotID, DisplayName: "warden", Bot: true, RoleIDs: []uint64{40}})
	gw.AddMember(discord.Member{ID: testOwnerID, DisplayName: "owner"})

	logger := zap.NewNop()
	ldg := ledger.New(logger)
	st := store.New(filepath.Join(t.TempDir(), "engine.json"), logger)

	polls := poll.NewEngine(gw, poll.Config{
		GuildID:   testGuildID,
		ChannelID: testPollChannel,
	}, logger)

	ctrl := lifecycle.New(ldg, gw, nil, lifecycle.Config{
		GuildID:                      testGuildID,
		AnnounceChannelID:            testAnnounceChannel,
		VerifiedRoleID:               31,
		PruneMessageThreshold:        10,
		VerificationWindow:           7 * 24 * time.Hour,
		VerificationMessageThreshold: 3,
	}, logger)

	sched := scheduler.New(ldg, st, polls, gw, scheduler.Config{
		PruneInterval:                30 * 24 * time.Hour,
		PruneMessageThreshold:        10,
		VerificationWindow:           7 * 24 * time.Hour,
		VerificationMessageThreshold: 3,
		PrunePollDuration:            30 * time.Millisecond,
		VerifyPollDuration:           30 * time.Millisecond,
		PrunePassFraction:            0.6,
		VerifyPassFraction:           0.75,
		AnnounceChannelID:            testAnnounceChannel,
	}, logger)

	sched.SetController(ctrl)
	ctrl.SetPersister(sched)
	polls.SetResolver(ctrl.ApplyVerdict)

	return &fixture{scheduler: sched, ledger: ldg, store: st, gateway: gw, polls: polls}
}

// pollPrompts returns the embed messages posted to the poll channel.
func (f *fixture) pollPrompts() []discordtest.PostedMessage {
	var prompts []discordtest.PostedMessage

	for _, msg := range f.gateway.Messages {
		if msg.ChannelID == testPollChannel && msg.Embed != nil {
			prompts = append(prompts, msg)
		}
	}

	return prompts
}

func TestPruneScanResetsAllCounters(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	now := time.Now()

	f.gateway.AddMember(discord.Member{ID: 100, DisplayName: "chatty"})
	f.gateway.AddMember(discord.Member{ID: 200, DisplayName: "quiet"})

	for range 12 {
		f.ledger.Record(100, "chatty", now)
	}
	for range 4 {
		f.ledger.Record(200, "quiet", now)
	}

	require.NoError(t, f.scheduler.RunPruneScan(t.Context()))

	// Only the quiet user gets a poll, but both counters reset.
	require.Len(t, f.pollPrompts(), 1)

	recA, _ := f.ledger.Get(100)
	recB, _ := f.ledger.Get(200)
	assert.Zero(t, recA.MessageCount)
	assert.Zero(t, recB.MessageCount)

	f.polls.Wait()
}

func TestPruneScanRemovesDepartedMembers(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.gateway.AddMember(discord.Member{ID: 100, DisplayName: "present"})

	now := time.Now()
	for range 20 {
		f.ledger.Record(100, "present", now)
	}
	for range 20 {
		f.ledger.Record(999, "departed", now)
	}

	require.NoError(t, f.scheduler.RunPruneScan(t.Context()))

	_, ok := f.ledger.Get(999)
	assert.False(t, ok)

	_, ok = f.ledger.Get(100)
	assert.True(t, ok)
}

func TestPruneScanAdvancesClockAndPersists(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	before := time.Now().UnixMilli()

	require.NoError(t, f.scheduler.RunPruneScan(t.Context()))

	assert.GreaterOrEqual(t, f.scheduler.LastPruneScanAt(), before)

	snap := f.store.Load()
	assert.Equal(t, f.scheduler.LastPruneScanAt(), snap.LastPruneScanAt)
}

func TestPruneScanEndToEnd(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.gateway.AddMember(discord.Member{ID: 200, DisplayName: "quiet"})

	now := time.Now()
	for range 4 {
		f.ledger.Record(200, "quiet", now)
	}

	require.NoError(t, f.scheduler.RunPruneScan(t.Context()))

	prompts := f.pollPrompts()
	require.Len(t, prompts, 1)

	// Poll passes 2-0 and the member is kicked.
	f.polls.HandleReactionAdd(prompts[0].ID, 501, poll.EmojiYes, false)
	f.polls.HandleReactionAdd(prompts[0].ID, 502, poll.EmojiYes, false)
	f.polls.Wait()

	require.Len(t, f.gateway.Kicked, 1)
	assert.Equal(t, uint64(200), f.gateway.Kicked[0].UserID)

	// The kick reason carries the tally from the scan, not the post-reset
	// counter.
	assert.Contains(t, f.gateway.Kicked[0].Reason, "messages: 4")

	_, ok := f.ledger.Get(200)
	assert.False(t, ok)

	// The removal survived the persistence round trip.
	snap := f.store.Load()
	_, ok = snap.Users[200]
	assert.False(t, ok)
}

func TestPruneRecheckFailureKeepsRecord(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.gateway.AddMember(discord.Member{ID: 200, DisplayName: "quiet"})

	f.ledger.Load(map[uint64]ledger.UserRecord{
		200: {
			DisplayName:  "quiet",
			MessageCount: 4,
			JoinedAt:     time.Now().Add(-60 * 24 * time.Hour).UnixMilli(),
			Verified:     true,
		},
	})

	require.NoError(t, f.scheduler.RunPruneScan(t.Context()))

	prompts := f.pollPrompts()
	require.Len(t, prompts, 1)

	f.polls.HandleReactionAdd(prompts[0].ID, 501, poll.EmojiYes, false)
	f.polls.HandleReactionAdd(prompts[0].ID, 502, poll.EmojiYes, false)

	// The membership re-check fails transiently while the member is still
	// present. Their record, verified flag included, must survive.
	f.gateway.SetFetchErr(assert.AnError)
	f.polls.Wait()

	assert.Empty(t, f.gateway.Kicked)

	rec, ok := f.ledger.Get(200)
	require.True(t, ok)
	assert.True(t, rec.Verified)
}

func TestVerifyScanEndToEnd(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.gateway.AddMember(discord.Member{ID: 300, DisplayName: "newbie"})

	// Joined ten days ago, five messages since.
	joined := time.Now().Add(-10 * 24 * time.Hour)
	f.ledger.Load(map[uint64]ledger.UserRecord{
		300: {
			DisplayName:              "newbie",
			MessageCount:             5,
			JoinedAt:                 joined.UnixMilli(),
			VerificationMessageCount: 5,
		},
	})

	require.NoError(t, f.scheduler.RunVerifyScan(t.Context()))

	prompts := f.pollPrompts()
	require.Len(t, prompts, 1)

	// 8 yes, 2 no with pass fraction 0.75: fraction 0.8 passes.
	for i := range 8 {
		f.polls.HandleReactionAdd(prompts[0].ID, uint64(500+i), poll.EmojiYes, false)
	}
	f.polls.HandleReactionAdd(prompts[0].ID, 600, poll.EmojiNo, false)
	f.polls.HandleReactionAdd(prompts[0].ID, 601, poll.EmojiNo, false)
	f.polls.Wait()

	rec, ok := f.ledger.Get(300)
	require.True(t, ok)
	assert.True(t, rec.Verified)
	assert.Equal(t, 5, rec.VerificationMessageCount)
	require.Len(t, f.gateway.Granted, 1)
}

func TestVerifyScanSkipsRecentJoiners(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.gateway.AddMember(discord.Member{ID: 300, DisplayName: "newbie"})

	f.ledger.Load(map[uint64]ledger.UserRecord{
		300: {
			DisplayName:              "newbie",
			JoinedAt:                 time.Now().Add(-24 * time.Hour).UnixMilli(),
			VerificationMessageCount: 50,
		},
	})

	require.NoError(t, f.scheduler.RunVerifyScan(t.Context()))

	assert.Empty(t, f.pollPrompts())
}

func TestStartupCatchUpRunsOverdueScans(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	// Clocks at zero make both scans overdue; Start runs them inline before
	// arming the timers.
	f.scheduler.Start(t.Context())

	var announcements int
	for _, msg := range f.gateway.Messages {
		if msg.ChannelID == testAnnounceChannel {
			announcements++
		}
	}

	assert.Positive(t, announcements)
	assert.Positive(t, f.scheduler.LastPruneScanAt())
	assert.Positive(t, f.scheduler.LastVerificationScanAt())
}

func TestStartupSkipsFreshScans(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	now := time.Now().UnixMilli()
	f.scheduler.RestoreClocks(now, now)

	f.scheduler.Start(t.Context())

	assert.Empty(t, f.gateway.Messages)
	assert.Equal(t, now, f.scheduler.LastPruneScanAt())
}

// scanStartCount counts pruning-scan opening announcements, reading the
// fake's message log race-safely while the scheduler loops run.
func scanStartCount(gw *discordtest.FakeGateway) int {
	var count int

	for _, msg := range gw.AllMessages() {
		if msg.ChannelID == testAnnounceChannel && strings.Contains(msg.Content, "Activity Scan Started") {
			count++
		}
	}

	return count
}

func TestReconfigureRearmsTimers(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	now := time.Now().UnixMilli()
	f.scheduler.RestoreClocks(now, now)

	f.scheduler.Start(t.Context())

	// Nothing fires at the configured 30-day cadence.
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, scanStartCount(f.gateway))

	// Shortening the period re-arms the sleeping timer without a restart.
	f.scheduler.Reconfigure(40*time.Millisecond, 7*24*time.Hour)

	require.Eventually(t, func() bool {
		return scanStartCount(f.gateway) >= 1
	}, 3*time.Second, 10*time.Millisecond)

	// Stretching it back out stops the fast cadence: a single timer serves
	// the new period, with no stale one still ticking.
	f.scheduler.Reconfigure(time.Hour, 7*24*time.Hour)
	time.Sleep(100 * time.Millisecond)

	fired := scanStartCount(f.gateway)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, fired, scanStartCount(f.gateway))
}

func TestPersistRoundTrip(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.ledger.Record(100, "alice", time.Now())
	f.scheduler.RestoreClocks(111, 222)

	require.NoError(t, f.scheduler.Persist())

	snap := f.store.Load()
	assert.Equal(t, int64(111), snap.LastPruneScanAt)
	assert.Equal(t, int64(222), snap.LastVerificationScanAt)
	assert.Contains(t, snap.Users, uint64(100))
}

func TestScanAbortsWhenAnnouncementFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.gateway.PostErr = assert.AnError

	err := f.scheduler.RunPruneScan(t.Context())
	require.Error(t, err)

	// Nothing was mutated; the scan retries at its next firing.
	assert.Zero(t, f.scheduler.LastPruneScanAt())
}
