package poll_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wardenlabs/warden/internal/discord"
	"github.com/wardenlabs/warden/internal/discord/discordtest"
	"github.com/wardenlabs/warden/internal/engine/poll"
	"go.uber.org/zap"
)

const (
	testBotID     = uint64(1)
	testOwnerID   = uint64(2)
	testGuildID   = uint64(10)
	testChannelID = uint64(20)
	testModRoleID = uint64(30)
)

func TestDecide(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		yes          int
		no           int
		passFraction float64
		expected     poll.Verdict
	}{
		{
			name:         "no votes cast",
			yes:          0,
			no:           0,
			passFraction: 0.5,
			expected:     poll.VerdictNoQuorum,
		},
		{
			name:         "clear pass",
			yes:          7,
			no:           3,
			passFraction: 0.6,
			expected:     poll.VerdictPass,
		},
		{
			name:         "majority but below fraction",
			yes:          6,
			no:           4,
			passFraction: 0.7,
			expected:     poll.VerdictFail,
		},
		{
			name:         "single yes vote meets fraction",
			yes:          1,
			no:           0,
			passFraction: 0.75,
			expected:     poll.VerdictPass,
		},
		{
			name:         "tie fails majority check",
			yes:          5,
			no:           5,
			passFraction: 0.5,
			expected:     poll.VerdictFail,
		},
		{
			name:         "more no than yes",
			yes:          2,
			no:           8,
			passFraction: 0.5,
			expected:     poll.VerdictFail,
		},
		{
			name:         "exact fraction boundary",
			yes:          8,
			no:           2,
			passFraction: 0.8,
			expected:     poll.VerdictPass,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, poll.Decide(tt.yes, tt.no, tt.passFraction))
		})
	}
}

// resultCollector captures resolved polls for assertions.
type resultCollector struct {
	mu      sync.Mutex
	results []poll.Result
	done    chan struct{}
}

func newCollector() *resultCollector {
	return &resultCollector{done: make(chan struct{}, 16)}
}

func (c *resultCollector) resolve(_ context.Context, res poll.Result) {
	c.mu.Lock()
	c.results = append(c.results, res)
	c.mu.Unlock()
	c.done <- struct{}{}
}

func (c *resultCollector) wait(t *testing.T) poll.Result {
	t.Helper()

	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		t.Fatal("poll did not resolve in time")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.results[len(c.results)-1]
}

func newEngine(t *testing.T) (*poll.Engine, *discordtest.FakeGateway, *resultCollector) {
	t.Helper()

	gw := discordtest.New(testBotID)
	gw.OwnerID = testOwnerID
	gw.Roles = []discord.Role{{ID: 40, Position: 5}}
	gw.AddMember(discord.Member{ID: testBotID, DisplayName: "warden", Bot: true, RoleIDs: []uint64{40}})
	gw.AddMember(discord.Member{ID: testOwnerID, DisplayName: "owner"})

	engine := poll.NewEngine(gw, poll.Config{
		GuildID:          testGuildID,
		ChannelID:        testChannelID,
		ModeratorRoleIDs: []uint64{testModRoleID},
	}, zap.NewNop())

	collector := newCollector()
	engine.SetResolver(collector.resolve)

	return engine, gw, collector
}

func TestPollPassFlow(t *testing.T) {
	t.Parallel()

	engine, gw, collector := newEngine(t)
	gw.AddMember(discord.Member{ID: 100, DisplayName: "alice"})

	err := engine.Start(t.Context(), 100, "low activity", 4, poll.KindPrune, 30*time.Millisecond, 0.6)
	require.NoError(t, err)

	msg := gw.LastMessage()
	require.NotNil(t, msg)
	require.NotNil(t, msg.Embed)

	// Three distinct yes voters, one no voter.
	engine.HandleReactionAdd(msg.ID, 501, poll.EmojiYes, false)
	engine.HandleReactionAdd(msg.ID, 502, poll.EmojiYes, false)
	engine.HandleReactionAdd(msg.ID, 503, poll.EmojiYes, false)
	engine.HandleReactionAdd(msg.ID, 504, poll.EmojiNo, false)

	res := collector.wait(t)
	assert.Equal(t, poll.VerdictPass, res.Verdict)
	assert.Equal(t, 3, res.Yes)
	assert.Equal(t, 1, res.No)
	assert.Equal(t, uint64(100), res.Subject)
	assert.Equal(t, poll.KindPrune, res.Kind)
	assert.Equal(t, 4, res.ObservedMessages)
}

func TestPollBotBallotsExcluded(t *testing.T) {
	t.Parallel()

	engine, gw, collector := newEngine(t)
	gw.AddMember(discord.Member{ID: 100, DisplayName: "alice"})

	require.NoError(t, engine.Start(t.Context(), 100, "low activity", 4, poll.KindPrune, 30*time.Millisecond, 0.5))

	msg := gw.LastMessage()
	engine.HandleReactionAdd(msg.ID, testBotID, poll.EmojiYes, true)
	engine.HandleReactionAdd(msg.ID, 900, poll.EmojiYes, true)

	res := collector.wait(t)
	assert.Equal(t, poll.VerdictNoQuorum, res.Verdict)
	assert.Zero(t, res.Yes)
}

func TestPollReactionRemoveWithdrawsBallot(t *testing.T) {
	t.Parallel()

	engine, gw, collector := newEngine(t)
	gw.AddMember(discord.Member{ID: 100, DisplayName: "alice"})

	require.NoError(t, engine.Start(t.Context(), 100, "low activity", 4, poll.KindPrune, 30*time.Millisecond, 0.5))

	msg := gw.LastMessage()
	engine.HandleReactionAdd(msg.ID, 501, poll.EmojiYes, false)
	engine.HandleReactionRemove(msg.ID, 501, poll.EmojiYes)

	res := collector.wait(t)
	assert.Equal(t, poll.VerdictNoQuorum, res.Verdict)
}

func TestPollSubjectGone(t *testing.T) {
	t.Parallel()

	engine, gw, collector := newEngine(t)
	gw.AddMember(discord.Member{ID: 100, DisplayName: "alice"})

	require.NoError(t, engine.Start(t.Context(), 100, "low activity", 4, poll.KindPrune, 50*time.Millisecond, 0.5))

	msg := gw.LastMessage()
	engine.HandleReactionAdd(msg.ID, 501, poll.EmojiYes, false)
	engine.HandleReactionAdd(msg.ID, 502, poll.EmojiYes, false)

	// Subject leaves before the window closes.
	gw.DropMember(100)

	res := collector.wait(t)
	assert.Equal(t, poll.VerdictSubjectGone, res.Verdict)
}

func TestResolveRecheckFailureLeavesTallyUnactioned(t *testing.T) {
	t.Parallel()

	engine, gw, collector := newEngine(t)
	gw.AddMember(discord.Member{ID: 100, DisplayName: "alice"})

	require.NoError(t, engine.Start(t.Context(), 100, "low activity", 4, poll.KindPrune, 30*time.Millisecond, 0.5))

	msg := gw.LastMessage()
	engine.HandleReactionAdd(msg.ID, 501, poll.EmojiYes, false)
	engine.HandleReactionAdd(msg.ID, 502, poll.EmojiYes, false)

	// The membership re-check hits a transient API failure. The subject is
	// still a member, so no verdict may be delivered.
	gw.SetFetchErr(assert.AnError)
	engine.Wait()

	collector.mu.Lock()
	assert.Empty(t, collector.results)
	collector.mu.Unlock()

	// The tally was surfaced as unactioned instead.
	last := gw.LastMessage()
	require.NotNil(t, last)
	assert.Contains(t, last.Content, "could not be confirmed")
	assert.Contains(t, last.Content, "2-0")
}

func TestStartRejectsPrivilegedSubjects(t *testing.T) {
	t.Parallel()

	engine, gw, _ := newEngine(t)
	gw.Roles = []discord.Role{
		{ID: 40, Position: 5},
		{ID: 41, Position: 10},
	}
	gw.AddMember(discord.Member{ID: 101, DisplayName: "mod", RoleIDs: []uint64{testModRoleID}})
	gw.AddMember(discord.Member{ID: 102, DisplayName: "admin", RoleIDs: []uint64{41}})

	tests := []struct {
		name    string
		subject uint64
	}{
		{name: "bot itself", subject: testBotID},
		{name: "guild owner", subject: testOwnerID},
		{name: "moderator", subject: 101},
		{name: "outranks bot", subject: 102},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := engine.Start(t.Context(), tt.subject, "reason", 0, poll.KindPrune, time.Minute, 0.5)
			require.ErrorIs(t, err, poll.ErrSubjectPrivileged)
		})
	}

	// No prompt was posted for any rejected subject.
	assert.Nil(t, gw.LastMessage())
}

func TestStartReportsGoneSubject(t *testing.T) {
	t.Parallel()

	engine, _, _ := newEngine(t)

	err := engine.Start(t.Context(), 999, "reason", 0, poll.KindPrune, time.Minute, 0.5)
	require.ErrorIs(t, err, discord.ErrMemberNotFound)
}

func TestStartReportsPostFailure(t *testing.T) {
	t.Parallel()

	engine, gw, _ := newEngine(t)
	gw.AddMember(discord.Member{ID: 100, DisplayName: "alice"})
	gw.PostErr = assert.AnError

	err := engine.Start(t.Context(), 100, "reason", 0, poll.KindPrune, time.Minute, 0.5)
	require.ErrorIs(t, err, assert.AnError)
}
