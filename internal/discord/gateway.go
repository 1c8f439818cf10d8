package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/snowflake/v2"
	"go.uber.org/zap"
)

// ErrMemberNotFound reports that a user is no longer a member of the guild.
var ErrMemberNotFound = errors.New("member not found in guild")

// Member is the engine's view of a guild member.
type Member struct {
	ID          uint64
	DisplayName string
	Bot         bool
	RoleIDs     []uint64
}

// Role carries the hierarchy position needed for privilege checks.
type Role struct {
	ID       uint64
	Position int
}

// Gateway is the chat-platform surface the engine depends on. Production code
// uses the disgo-backed implementation below; tests substitute an in-memory
// fake.
type Gateway interface {
	BotUserID() uint64
	PostMessage(ctx context.Context, channelID uint64, content string) (uint64, error)
	PostEmbed(ctx context.Context, channelID uint64, embed discord.Embed) (uint64, error)
	AddReaction(ctx context.Context, channelID, messageID uint64, emoji string) error
	FetchMember(ctx context.Context, guildID, userID uint64) (*Member, error)
	FetchMemberList(ctx context.Context, guildID uint64) ([]Member, error)
	RemoveMember(ctx context.Context, guildID, userID uint64, reason string) error
	GrantRole(ctx context.Context, guildID, userID, roleID uint64) error
	RevokeRole(ctx context.Context, guildID, userID, roleID uint64) error
	GuildOwnerID(ctx context.Context, guildID uint64) (uint64, error)
	GuildRoles(ctx context.Context, guildID uint64) ([]Role, error)
}

// restGateway implements Gateway over disgo's REST client.
type restGateway struct {
	rest      rest.Rest
	botUserID uint64
	logger    *zap.Logger
}

// NewGateway wraps a disgo REST client. botUserID is the application's own
// user, excluded from ballots and protected from polls.
func NewGateway(restClient rest.Rest, botUserID uint64, logger *zap.Logger) Gateway {
	return &restGateway{
		rest:      restClient,
		botUserID: botUserID,
		logger:    logger.Named("gateway"),
	}
}

func (g *restGateway) BotUserID() uint64 {
	return g.botUserID
}

func (g *restGateway) PostMessage(ctx context.Context, channelID uint64, content string) (uint64, error) {
	msg, err := g.rest.CreateMessage(snowflake.ID(channelID),
		discord.NewMessageCreateBuilder().SetContent(content).Build(),
		rest.WithCtx(ctx))
	if err != nil {
		return 0, fmt.Errorf("failed to post message: %w", err)
	}

	return uint64(msg.ID), nil
}

func (g *restGateway) PostEmbed(ctx context.Context, channelID uint64, embed discord.Embed) (uint64, error) {
	msg, err := g.rest.CreateMessage(snowflake.ID(channelID),
		discord.NewMessageCreateBuilder().SetEmbeds(embed).Build(),
		rest.WithCtx(ctx))
	if err != nil {
		return 0, fmt.Errorf("failed to post embed: %w", err)
	}

	return uint64(msg.ID), nil
}

func (g *restGateway) AddReaction(ctx context.Context, channelID, messageID uint64, emoji string) error {
	if err := g.rest.AddReaction(snowflake.ID(channelID), snowflake.ID(messageID), emoji, rest.WithCtx(ctx)); err != nil {
		return fmt.Errorf("failed to add reaction: %w", err)
	}

	return nil
}

func (g *restGateway) FetchMember(ctx context.Context, guildID, userID uint64) (*Member, error) {
	member, err := g.rest.GetMember(snowflake.ID(guildID), snowflake.ID(userID), rest.WithCtx(ctx))
	if err != nil {
		if isNotFound(err) {
			return nil, ErrMemberNotFound
		}

		return nil, fmt.Errorf("failed to fetch member: %w", err)
	}

	m := convertMember(*member)
	return &m, nil
}

func (g *restGateway) FetchMemberList(ctx context.Context, guildID uint64) ([]Member, error) {
	var (
		members []Member
		after   snowflake.ID
	)

	for {
		chunk, err := g.rest.GetMembers(snowflake.ID(guildID), 1000, after, rest.WithCtx(ctx))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch member list: %w", err)
		}

		for _, m := range chunk {
			members = append(members, convertMember(m))
		}

		if len(chunk) < 1000 {
			break
		}

		after = chunk[len(chunk)-1].User.ID
	}

	return members, nil
}

func (g *restGateway) RemoveMember(ctx context.Context, guildID, userID uint64, reason string) error {
	err := g.rest.RemoveMember(snowflake.ID(guildID), snowflake.ID(userID),
		rest.WithCtx(ctx), rest.WithReason(reason))
	if err != nil {
		if isNotFound(err) {
			return ErrMemberNotFound
		}

		return fmt.Errorf("failed to remove member: %w", err)
	}

	return nil
}

func (g *restGateway) GrantRole(ctx context.Context, guildID, userID, roleID uint64) error {
	err := g.rest.AddMemberRole(snowflake.ID(guildID), snowflake.ID(userID), snowflake.ID(roleID), rest.WithCtx(ctx))
	if err != nil {
		return fmt.Errorf("failed to grant role: %w", err)
	}

	return nil
}

func (g *restGateway) RevokeRole(ctx context.Context, guildID, userID, roleID uint64) error {
	err := g.rest.RemoveMemberRole(snowflake.ID(guildID), snowflake.ID(userID), snowflake.ID(roleID), rest.WithCtx(ctx))
	if err != nil {
		return fmt.Errorf("failed to revoke role: %w", err)
	}

	return nil
}

func (g *restGateway) GuildOwnerID(ctx context.Context, guildID uint64) (uint64, error) {
	guild, err := g.rest.GetGuild(snowflake.ID(guildID), false, rest.WithCtx(ctx))
	if err != nil {
		return 0, fmt.Errorf("failed to fetch guild: %w", err)
	}

	return uint64(guild.OwnerID), nil
}

func (g *restGateway) GuildRoles(ctx context.Context, guildID uint64) ([]Role, error) {
	roles, err := g.rest.GetRoles(snowflake.ID(guildID), rest.WithCtx(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch guild roles: %w", err)
	}

	converted := make([]Role, len(roles))
	for i, r := range roles {
		converted[i] = Role{ID: uint64(r.ID), Position: r.Position}
	}

	return converted, nil
}

// convertMember maps a disgo member onto the engine's member type.
func convertMember(m discord.Member) Member {
	name := m.User.Username
	if m.Nick != nil && *m.Nick != "" {
		name = *m.Nick
	}

	roleIDs := make([]uint64, len(m.RoleIDs))
	for i, id := range m.RoleIDs {
		roleIDs[i] = uint64(id)
	}

	return Member{
		ID:          uint64(m.User.ID),
		DisplayName: name,
		Bot:         m.User.Bot,
		RoleIDs:     roleIDs,
	}
}

// isNotFound checks whether a REST error is a 404 for a missing member.
func isNotFound(err error) bool {
	var restErr *rest.Error
	if errors.As(err, &restErr) && restErr.Response != nil {
		return restErr.Response.StatusCode == http.StatusNotFound
	}

	return false
}

// HighestRolePosition returns the hierarchy position of the highest role a
// member holds, or -1 when they hold none.
func HighestRolePosition(roles []Role, memberRoleIDs []uint64) int {
	positions := make(map[uint64]int, len(roles))
	for _, r := range roles {
		positions[r.ID] = r.Position
	}

	highest := -1
	for _, id := range memberRoleIDs {
		if pos, ok := positions[id]; ok && pos > highest {
			highest = pos
		}
	}

	return highest
}

// HasRole reports whether a member holds any of the given role IDs.
func HasRole(memberRoleIDs []uint64, wanted ...uint64) bool {
	for _, id := range memberRoleIDs {
		for _, w := range wanted {
			if id == w {
				return true
			}
		}
	}

	return false
}
