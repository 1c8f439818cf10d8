package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"go.uber.org/zap"

	"github.com/wardenlabs/warden/internal/engine/ledger"
	"github.com/wardenlabs/warden/internal/engine/lifecycle"
)

const (
	activityCommandName = "activity"
	verifyCommandName   = "verify"
	denyCommandName     = "deny"

	usersPerEmbed      = 15
	recentAuditEntries = 5
)

// commands returns the guild command set registered at startup.
func commands() []discord.ApplicationCommandCreate {
	return []discord.ApplicationCommandCreate{
		discord.SlashCommandCreate{
			Name:        activityCommandName,
			Description: "Show the member activity report and recent poll outcomes",
		},
		discord.SlashCommandCreate{
			Name:        verifyCommandName,
			Description: "Verify a member without a poll",
			Options: []discord.ApplicationCommandOption{
				discord.ApplicationCommandOptionUser{
					Name:        "user",
					Description: "Member to verify",
					Required:    true,
				},
			},
		},
		discord.SlashCommandCreate{
			Name:        denyCommandName,
			Description: "Remove a member without a poll",
			Options: []discord.ApplicationCommandOption{
				discord.ApplicationCommandOptionUser{
					Name:        "user",
					Description: "Member to remove",
					Required:    true,
				},
				discord.ApplicationCommandOptionString{
					Name:        "reason",
					Description: "Reason recorded in the audit log",
				},
			},
		},
	}
}

// handleApplicationCommandInteraction processes slash commands by first
// deferring the response, then handling the command in a goroutine.
func (b *Bot) handleApplicationCommandInteraction(event *events.ApplicationCommandInteractionCreate) {
	go func() {
		// Defer response to prevent Discord timeout while processing
		if err := event.DeferCreateMessage(true); err != nil {
			b.logger.Error("Failed to defer create message", zap.Error(err))
			return
		}

		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("Panic in application command interaction handler", zap.Any("panic", r))
				b.respond(event, "Internal error. Please report this to an administrator.")
			}
		}()

		data := event.SlashCommandInteractionData()

		switch data.CommandName() {
		case activityCommandName:
			b.handleActivityCommand(event)
		case verifyCommandName:
			b.handleVerifyCommand(event, uint64(data.Snowflake("user")))
		case denyCommandName:
			reason, _ := data.OptString("reason")
			b.handleDenyCommand(event, uint64(data.Snowflake("user")), reason)
		default:
			b.respond(event, "This command is not available.")
		}
	}()
}

// handleActivityCommand renders the per-member activity report in embed
// pages, followed by the most recent poll outcomes.
func (b *Bot) handleActivityCommand(event *events.ApplicationCommandInteractionCreate) {
	snap := b.ledger.Snapshot()
	embeds := buildActivityEmbeds(snap)

	if recent, err := b.audit.Recent(recentAuditEntries); err != nil {
		b.logger.Error("Failed to read recent audit entries", zap.Error(err))
	} else if len(recent) > 0 {
		lines := make([]string, 0, len(recent))
		for _, entry := range recent {
			lines = append(lines, fmt.Sprintf("%s poll for <@%d>: %s (%d/%d) → %s",
				entry.Kind, entry.SubjectID, entry.Verdict, entry.Yes, entry.No, entry.Action))
		}

		embeds = append(embeds, discord.NewEmbedBuilder().
			SetTitle("Recent Polls").
			SetDescription(strings.Join(lines, "\n")).
			SetColor(activityReportColor).
			Build())
	}

	// Discord caps a single message at ten embeds
	if len(embeds) > 10 {
		embeds = embeds[:10]
	}

	_, err := b.client.Rest().UpdateInteractionResponse(event.ApplicationID(), event.Token(),
		discord.NewMessageUpdateBuilder().SetEmbeds(embeds...).Build())
	if err != nil {
		b.logger.Error("Failed to send activity report", zap.Error(err))
	}
}

func (b *Bot) handleVerifyCommand(event *events.ApplicationCommandInteractionCreate, userID uint64) {
	if !b.isModerator(event) {
		b.respond(event, "Only moderators may use this command.")
		return
	}

	err := b.controller.ManualVerify(context.Background(), userID)

	switch {
	case errors.Is(err, lifecycle.ErrAlreadyVerified):
		b.respond(event, fmt.Sprintf("<@%d> is already verified.", userID))
	case err != nil:
		b.logger.Error("Manual verify failed", zap.Uint64("user_id", userID), zap.Error(err))
		b.respond(event, fmt.Sprintf("Could not verify <@%d>: %v", userID, err))
	default:
		b.respond(event, fmt.Sprintf("<@%d> is now a verified member.", userID))
	}
}

func (b *Bot) handleDenyCommand(event *events.ApplicationCommandInteractionCreate, userID uint64, reason string) {
	if !b.isModerator(event) {
		b.respond(event, "Only moderators may use this command.")
		return
	}

	if reason == "" {
		reason = "Denied by moderator"
	}

	if err := b.controller.ManualDeny(context.Background(), userID, reason); err != nil {
		b.logger.Error("Manual deny failed", zap.Uint64("user_id", userID), zap.Error(err))
		b.respond(event, fmt.Sprintf("Could not remove <@%d>: %v", userID, err))

		return
	}

	b.respond(event, fmt.Sprintf("<@%d> has been removed.", userID))
}

// isModerator reports whether the invoking member holds a moderator role.
func (b *Bot) isModerator(event *events.ApplicationCommandInteractionCreate) bool {
	member := event.Member()
	if member == nil {
		return false
	}

	for _, roleID := range member.RoleIDs {
		for _, modRoleID := range b.cfg.Roles.ModeratorRoleIDs {
			if uint64(roleID) == modRoleID {
				return true
			}
		}
	}

	return false
}

func (b *Bot) respond(event *events.ApplicationCommandInteractionCreate, content string) {
	_, err := b.client.Rest().UpdateInteractionResponse(event.ApplicationID(), event.Token(),
		discord.NewMessageUpdateBuilder().SetContent(content).Build())
	if err != nil {
		b.logger.Error("Failed to respond to command", zap.Error(err))
	}
}

const activityReportColor = 0x5865F2

// buildActivityEmbeds renders the ledger as embed pages, most recently
// active members first.
func buildActivityEmbeds(snap map[uint64]ledger.UserRecord) []discord.Embed {
	type row struct {
		id  uint64
		rec ledger.UserRecord
	}

	rows := make([]row, 0, len(snap))
	for id, rec := range snap {
		rows = append(rows, row{id: id, rec: rec})
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].rec.LastActivityAt != rows[j].rec.LastActivityAt {
			return rows[i].rec.LastActivityAt > rows[j].rec.LastActivityAt
		}

		return rows[i].id < rows[j].id
	})

	if len(rows) == 0 {
		return []discord.Embed{
			discord.NewEmbedBuilder().
				SetTitle("Member Activity").
				SetDescription("No activity recorded yet.").
				SetColor(activityReportColor).
				Build(),
		}
	}

	now := time.Now()
	embeds := make([]discord.Embed, 0, (len(rows)+usersPerEmbed-1)/usersPerEmbed)

	for start := 0; start < len(rows); start += usersPerEmbed {
		end := min(start+usersPerEmbed, len(rows))

		builder := discord.NewEmbedBuilder().
			SetTitle(fmt.Sprintf("Member Activity (%d-%d of %d)", start+1, end, len(rows))).
			SetColor(activityReportColor)

		for _, r := range rows[start:end] {
			status := "unverified"
			if r.rec.Verified {
				status = "verified"
			}

			builder.AddField(
				fmt.Sprintf("%s (%s)", displayName(r.rec, r.id), status),
				fmt.Sprintf("%d messages this period, last seen %s",
					r.rec.MessageCount, formatTimeAgo(r.rec.LastActivityAt, now)),
				false,
			)
		}

		embeds = append(embeds, builder.Build())
	}

	return embeds
}

func displayName(rec ledger.UserRecord, id uint64) string {
	if rec.DisplayName != "" {
		return rec.DisplayName
	}

	return fmt.Sprintf("user %d", id)
}

// formatTimeAgo renders a unix-millisecond timestamp as a coarse relative
// time. Zero means no activity was ever seen.
func formatTimeAgo(ts int64, now time.Time) string {
	if ts == 0 {
		return "never"
	}

	elapsed := now.Sub(time.UnixMilli(ts))

	switch {
	case elapsed < time.Minute:
		return "just now"
	case elapsed < time.Hour:
		return fmt.Sprintf("%dm ago", int(elapsed.Minutes()))
	case elapsed < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(elapsed.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(elapsed.Hours()/24))
	}
}
