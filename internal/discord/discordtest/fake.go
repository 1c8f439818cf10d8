// Package discordtest provides an in-memory Gateway for engine tests.
package discordtest

import (
	"context"
	"sync"

	disgo "github.com/disgoorg/disgo/discord"
	"github.com/wardenlabs/warden/internal/discord"
)

// PostedMessage records one PostMessage or PostEmbed call.
type PostedMessage struct {
	ID        uint64
	ChannelID uint64
	Content   string
	Embed     *disgo.Embed
}

// KickCall records one RemoveMember call.
type KickCall struct {
	UserID uint64
	Reason string
}

// RoleCall records one GrantRole or RevokeRole call.
type RoleCall struct {
	UserID uint64
	RoleID uint64
}

// FakeGateway implements discord.Gateway against in-memory state. Error
// fields, when set, are returned by the corresponding call.
type FakeGateway struct {
	mu sync.Mutex

	BotID   uint64
	OwnerID uint64
	Roles   []discord.Role
	Members map[uint64]discord.Member

	Messages []PostedMessage
	Kicked   []KickCall
	Granted  []RoleCall
	Revoked  []RoleCall

	PostErr   error
	KickErr   error
	GrantErr  error
	RevokeErr error
	fetchErr  error

	nextMessageID uint64
}

// New creates a fake gateway with the bot itself registered as a member.
func New(botID uint64) *FakeGateway {
	return &FakeGateway{
		BotID: botID,
		Members: map[uint64]discord.Member{
			botID: {ID: botID, DisplayName: "warden", Bot: true},
		},
	}
}

// AddMember registers a guild member.
func (f *FakeGateway) AddMember(m discord.Member) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Members[m.ID] = m
}

// DropMember simulates a member leaving the guild.
func (f *FakeGateway) DropMember(userID uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.Members, userID)
}

// SetFetchErr makes every subsequent FetchMember call fail with err. Safe to
// call while engine goroutines are running.
func (f *FakeGateway) SetFetchErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fetchErr = err
}

// AllMessages returns a copy of every posted message, safe to read while
// engine goroutines are still posting.
func (f *FakeGateway) AllMessages() []PostedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()

	msgs := make([]PostedMessage, len(f.Messages))
	copy(msgs, f.Messages)

	return msgs
}

// LastMessage returns the most recently posted message, or nil.
func (f *FakeGateway) LastMessage() *PostedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.Messages) == 0 {
		return nil
	}

	msg := f.Messages[len(f.Messages)-1]
	return &msg
}

func (f *FakeGateway) BotUserID() uint64 { return f.BotID }

func (f *FakeGateway) PostMessage(_ context.Context, channelID uint64, content string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.PostErr != nil {
		return 0, f.PostErr
	}

	f.nextMessageID++
	f.Messages = append(f.Messages, PostedMessage{ID: f.nextMessageID, ChannelID: channelID, Content: content})

	return f.nextMessageID, nil
}

func (f *FakeGateway) PostEmbed(_ context.Context, channelID uint64, embed disgo.Embed) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.PostErr != nil {
		return 0, f.PostErr
	}

	f.nextMessageID++
	f.Messages = append(f.Messages, PostedMessage{ID: f.nextMessageID, ChannelID: channelID, Embed: &embed})

	return f.nextMessageID, nil
}

func (f *FakeGateway) AddReaction(context.Context, uint64, uint64, string) error {
	return nil
}

func (f *FakeGateway) FetchMember(_ context.Context, _, userID uint64) (*discord.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fetchErr != nil {
		return nil, f.fetchErr
	}

	m, ok := f.Members[userID]
	if !ok {
		return nil, discord.ErrMemberNotFound
	}

	return &m, nil
}

func (f *FakeGateway) FetchMemberList(context.Context, uint64) ([]discord.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	members := make([]discord.Member, 0, len(f.Members))
	for _, m := range f.Members {
		members = append(members, m)
	}

	return members, nil
}

func (f *FakeGateway) RemoveMember(_ context.Context, _, userID uint64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.KickErr != nil {
		return f.KickErr
	}

	if _, ok := f.Members[userID]; !ok {
		return discord.ErrMemberNotFound
	}

	delete(f.Members, userID)
	f.Kicked = append(f.Kicked, KickCall{UserID: userID, Reason: reason})

	return nil
}

func (f *FakeGateway) GrantRole(_ context.Context, _, userID, roleID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.GrantErr != nil {
		return f.GrantErr
	}

	f.Granted = append(f.Granted, RoleCall{UserID: userID, RoleID: roleID})

	return nil
}

func (f *FakeGateway) RevokeRole(_ context.Context, _, userID, roleID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.RevokeErr != nil {
		return f.RevokeErr
	}

	f.Revoked = append(f.Revoked, RoleCall{UserID: userID, RoleID: roleID})

	return nil
}

func (f *FakeGateway) GuildOwnerID(context.Context, uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.OwnerID, nil
}

func (f *FakeGateway) GuildRoles(context.Context, uint64) ([]discord.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.Roles, nil
}
