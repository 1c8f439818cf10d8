package bot

import (
	"context"
	"fmt"

	"github.com/disgoorg/disgo"
	disgobot "github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/disgo/gateway"
	"github.com/disgoorg/snowflake/v2"
	"go.uber.org/zap"

	"github.com/wardenlabs/warden/internal/audit"
	"github.com/wardenlabs/warden/internal/discord"
	"github.com/wardenlabs/warden/internal/engine/ledger"
	"github.com/wardenlabs/warden/internal/engine/lifecycle"
	"github.com/wardenlabs/warden/internal/engine/poll"
	"github.com/wardenlabs/warden/internal/engine/scheduler"
	"github.com/wardenlabs/warden/internal/setup"
	"github.com/wardenlabs/warden/internal/setup/config"
)

// Bot wires the Discord client to the moderation engine. It owns the event
// routing: messages feed the activity ledger, member events keep the ledger
// aligned with the guild, and reactions feed open polls.
type Bot struct {
	client     disgobot.Client
	cfg        *config.Config
	configPath string
	ledger     *ledger.Ledger
	polls      *poll.Engine
	controller *lifecycle.Controller
	scheduler  *scheduler.Scheduler
	audit      *audit.Log
	logger     *zap.Logger
}

// New builds the full engine stack around a Discord client. The snapshot is
// loaded before the gateway opens so no event can race the restore.
func New(app *setup.App) (*Bot, error) {
	cfg := app.Config
	logger := app.Logger

	b := &Bot{
		cfg:        cfg,
		configPath: app.ConfigPath,
		logger:     logger.Named("bot"),
	}

	client, err := disgo.New(cfg.Discord.Token,
		disgobot.WithGatewayConfigOpts(
			gateway.WithIntents(
				gateway.IntentGuilds,
				gateway.IntentGuildMessages,
				gateway.IntentMessageContent,
				gateway.IntentGuildMembers,
				gateway.IntentGuildMessageReactions,
			),
		),
		disgobot.WithEventListeners(&events.ListenerAdapter{
			OnMessageCreate:                 b.handleMessageCreate,
			OnGuildMemberJoin:               b.handleMemberJoin,
			OnGuildMemberLeave:              b.handleMemberLeave,
			OnGuildMessageReactionAdd:       b.handleReactionAdd,
			OnGuildMessageReactionRemove:    b.handleReactionRemove,
			OnApplicationCommandInteraction: b.handleApplicationCommandInteraction,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord client: %w", err)
	}

	b.client = client

	// Restore persisted state before any event can touch the ledger
	snap := app.Store.Load()

	ldg := ledger.New(logger)
	ldg.Load(snap.Users)
	b.ledger = ldg

	gw := discord.NewGateway(client.Rest(), uint64(client.ApplicationID()), logger)

	b.polls = poll.NewEngine(gw, poll.Config{
		GuildID:          cfg.Discord.GuildID,
		ChannelID:        cfg.Discord.AnnouncementChannelID,
		ModeratorRoleIDs: cfg.Roles.ModeratorRoleIDs,
	}, logger)

	b.controller = lifecycle.New(ldg, gw, app.Audit, lifecycle.Config{
		GuildID:                      cfg.Discord.GuildID,
		AnnounceChannelID:            cfg.Discord.AnnouncementChannelID,
		VerifiedRoleID:               cfg.Roles.VerifiedRoleID,
		NewMemberRoleID:              cfg.Roles.NewMemberRoleID,
		ModeratorRoleIDs:             cfg.Roles.ModeratorRoleIDs,
		PruneMessageThreshold:        cfg.Moderation.MessageThreshold,
		VerificationWindow:           cfg.Moderation.VerificationWindow(),
		VerificationMessageThreshold: cfg.Moderation.VerificationMessageThreshold,
	}, logger)

	b.scheduler = scheduler.New(ldg, app.Store, b.polls, gw, scheduler.Config{
		PruneInterval:                cfg.Moderation.PruneInterval(),
		PruneMessageThreshold:        cfg.Moderation.MessageThreshold,
		VerificationWindow:           cfg.Moderation.VerificationWindow(),
		VerificationMessageThreshold: cfg.Moderation.VerificationMessageThreshold,
		PrunePollDuration:            cfg.Moderation.PrunePollDuration(),
		VerifyPollDuration:           cfg.Moderation.VerifyPollDuration(),
		PrunePassFraction:            cfg.Moderation.PrunePassFraction,
		VerifyPassFraction:           cfg.Moderation.VerifyPassFraction,
		AnnounceChannelID:            cfg.Discord.AnnouncementChannelID,
	}, logger)

	b.audit = app.Audit

	// Cross-link the engine components
	b.scheduler.SetController(b.controller)
	b.controller.SetPersister(b.scheduler)
	b.polls.SetResolver(b.controller.ApplyVerdict)
	b.scheduler.RestoreClocks(snap.LastPruneScanAt, snap.LastVerificationScanAt)

	return b, nil
}

// Start registers the guild commands, starts the scan scheduler, and opens
// the gateway connection. The scheduler runs any overdue scans before the
// first event arrives.
func (b *Bot) Start(ctx context.Context) error {
	b.logger.Info("Registering commands")

	_, err := b.client.Rest().SetGuildCommands(
		b.client.ApplicationID(), snowflake.ID(b.cfg.Discord.GuildID), commands(),
	)
	if err != nil {
		return fmt.Errorf("failed to register commands: %w", err)
	}

	b.scheduler.Start(ctx)

	// Edits to warden.toml re-arm the scan timers without a restart. Only
	// the scan cadence applies live; everything else needs a restart.
	if err := config.WatchConfig(b.configPath, b.logger, func(cfg *config.Config) {
		b.scheduler.Reconfigure(cfg.Moderation.PruneInterval(), cfg.Moderation.VerificationWindow())
	}); err != nil {
		b.logger.Warn("Config reload unavailable", zap.Error(err))
	}

	b.logger.Info("Starting bot")

	return b.client.OpenGateway(ctx)
}

// Close shuts down the gateway connection and waits for any open poll
// timers to unwind.
func (b *Bot) Close(ctx context.Context) {
	b.logger.Info("Closing bot")
	b.client.Close(ctx)
	b.polls.Wait()
}

// handleMessageCreate counts qualifying activity. Only messages from humans
// in the monitored channel of the configured guild count.
func (b *Bot) handleMessageCreate(event *events.MessageCreate) {
	if event.Message.Author.Bot || event.GuildID == nil {
		return
	}

	if uint64(*event.GuildID) != b.cfg.Discord.GuildID ||
		uint64(event.ChannelID) != b.cfg.Discord.ActivityChannelID {
		return
	}

	b.ledger.Record(uint64(event.Message.Author.ID), event.Message.Author.EffectiveName(), event.Message.CreatedAt)

	if err := b.scheduler.Persist(); err != nil {
		b.logger.Error("Failed to persist after activity", zap.Error(err))
	}
}

func (b *Bot) handleMemberJoin(event *events.GuildMemberJoin) {
	if uint64(event.GuildID) != b.cfg.Discord.GuildID || event.Member.User.Bot {
		return
	}

	b.ledger.EnsureJoined(uint64(event.Member.User.ID), event.Member.EffectiveName(), event.Member.JoinedAt)

	if err := b.scheduler.Persist(); err != nil {
		b.logger.Error("Failed to persist after member join", zap.Error(err))
	}
}

func (b *Bot) handleMemberLeave(event *events.GuildMemberLeave) {
	if uint64(event.GuildID) != b.cfg.Discord.GuildID {
		return
	}

	b.controller.HandleMemberLeave(uint64(event.User.ID))
}

func (b *Bot) handleReactionAdd(event *events.GuildMessageReactionAdd) {
	if event.Emoji.Name == nil {
		return
	}

	b.polls.HandleReactionAdd(
		uint64(event.MessageID), uint64(event.UserID), *event.Emoji.Name, event.Member.User.Bot,
	)
}

func (b *Bot) handleReactionRemove(event *events.GuildMessageReactionRemove) {
	if event.Emoji.Name == nil {
		return
	}

	b.polls.HandleReactionRemove(uint64(event.MessageID), uint64(event.UserID), *event.Emoji.Name)
}
