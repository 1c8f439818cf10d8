package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/wardenlabs/warden/internal/audit"
	"github.com/wardenlabs/warden/internal/discord"
	"github.com/wardenlabs/warden/internal/engine/ledger"
	"github.com/wardenlabs/warden/internal/engine/poll"
	"go.uber.org/zap"
)

// ErrAlreadyVerified reports a manual verification for a user who is already
// verified.
var ErrAlreadyVerified = errors.New("user is already verified")

// Persister writes the current engine state to durable storage. The scan
// scheduler implements it since it owns the scan clocks that are saved
// alongside the ledger.
type Persister interface {
	Persist() error
}

// Config carries the guild wiring and eligibility thresholds.
type Config struct {
	GuildID                      uint64
	AnnounceChannelID            uint64
	VerifiedRoleID               uint64
	NewMemberRoleID              uint64
	ModeratorRoleIDs             []uint64
	PruneMessageThreshold        int
	VerificationWindow           time.Duration
	VerificationMessageThreshold int
}

// Controller translates poll verdicts and manual overrides into ledger and
// role mutations. It is the only component that flips the verified flag or
// deletes records in response to a decision, and every mutation path ends
// with a persistence write.
type Controller struct {
	ledger    *ledger.Ledger
	gateway   discord.Gateway
	persister Persister
	audit     *audit.Log
	cfg       Config
	logger    *zap.Logger
}

// New creates a controller. The persister is wired in afterwards because the
// scheduler that provides it needs the controller too.
func New(ldg *ledger.Ledger, gw discord.Gateway, auditLog *audit.Log, cfg Config, logger *zap.Logger) *Controller {
	return &Controller{
		ledger:  ldg,
		gateway: gw,
		audit:   auditLog,
		cfg:     cfg,
		logger:  logger.Named("lifecycle"),
	}
}

// SetPersister wires the persistence callback. Must be called before any
// verdict or override is applied.
func (c *Controller) SetPersister(p Persister) {
	c.persister = p
}

// GuildView is a point-in-time view of guild membership used for one scan's
// eligibility decisions.
type GuildView struct {
	Members    map[uint64]discord.Member
	ownerID    uint64
	roles      []discord.Role
	botID      uint64
	botHighest int
	modRoles   []uint64
}

// LoadGuildView fetches the member list, role hierarchy and owner once so a
// scan evaluates every record against the same membership state.
func (c *Controller) LoadGuildView(ctx context.Context) (*GuildView, error) {
	members, err := c.gateway.FetchMemberList(ctx, c.cfg.GuildID)
	if err != nil {
		return nil, err
	}

	roles, err := c.gateway.GuildRoles(ctx, c.cfg.GuildID)
	if err != nil {
		return nil, err
	}

	ownerID, err := c.gateway.GuildOwnerID(ctx, c.cfg.GuildID)
	if err != nil {
		return nil, err
	}

	view := &GuildView{
		Members:  make(map[uint64]discord.Member, len(members)),
		ownerID:  ownerID,
		roles:    roles,
		botID:    c.gateway.BotUserID(),
		modRoles: c.cfg.ModeratorRoleIDs,
	}

	for _, m := range members {
		view.Members[m.ID] = m
	}

	if bot, ok := view.Members[view.botID]; ok {
		view.botHighest = discord.HighestRolePosition(roles, bot.RoleIDs)
	}

	return view, nil
}

// Present reports whether the user is currently a guild member.
func (v *GuildView) Present(userID uint64) bool {
	_, ok := v.Members[userID]
	return ok
}

// Privileged reports whether the user must never be a poll subject.
func (v *GuildView) Privileged(userID uint64) bool {
	member, ok := v.Members[userID]
	if !ok {
		return false
	}

	if member.Bot || userID == v.botID || userID == v.ownerID {
		return true
	}

	if discord.HasRole(member.RoleIDs, v.modRoles...) {
		return true
	}

	return discord.HighestRolePosition(v.roles, member.RoleIDs) >= v.botHighest
}

// MissingMembers returns ledger users who are no longer in the guild.
func (c *Controller) MissingMembers(snap map[uint64]ledger.UserRecord, view *GuildView) []uint64 {
	var missing []uint64

	for id := range snap {
		if !view.Present(id) {
			missing = append(missing, id)
		}
	}

	slices.Sort(missing)

	return missing
}

// EvaluatePruneCandidates selects present, non-privileged users whose message
// count for the period fell below the threshold.
func (c *Controller) EvaluatePruneCandidates(snap map[uint64]ledger.UserRecord, view *GuildView) []uint64 {
	var candidates []uint64

	for id, rec := range snap {
		if !view.Present(id) || view.Privileged(id) {
			continue
		}

		if rec.MessageCount < c.cfg.PruneMessageThreshold {
			candidates = append(candidates, id)
		}
	}

	slices.Sort(candidates)

	return candidates
}

// EvaluateVerifyCandidates selects present, non-privileged, unverified users
// who have been a member for at least the verification window and met the
// verification message threshold.
func (c *Controller) EvaluateVerifyCandidates(snap map[uint64]ledger.UserRecord, view *GuildView, now time.Time) []uint64 {
	var candidates []uint64

	for id, rec := range snap {
		if rec.Verified || !view.Present(id) || view.Privileged(id) {
			continue
		}

		if now.UnixMilli()-rec.JoinedAt < c.cfg.VerificationWindow.Milliseconds() {
			continue
		}

		if rec.VerificationMessageCount >= c.cfg.VerificationMessageThreshold {
			candidates = append(candidates, id)
		}
	}

	slices.Sort(candidates)

	return candidates
}

// ApplyVerdict applies one poll result. Each verdict path either mutates the
// ledger (and persists) or leaves it untouched; external action failures are
// reported and left for the next scan cycle rather than retried here.
func (c *Controller) ApplyVerdict(ctx context.Context, res poll.Result) {
	summary := fmt.Sprintf("Poll for **%s** ended. Results:\n%s Yes votes: %d\n%s No votes: %d\n\n",
		res.SubjectName, poll.EmojiYes, res.Yes, poll.EmojiNo, res.No)

	var action string

	switch res.Verdict {
	case poll.VerdictSubjectGone:
		c.ledger.Remove(res.Subject)
		c.persist()

		summary += fmt.Sprintf("%s left the server before the poll concluded.", res.SubjectName)
		action = "record removed"

	case poll.VerdictNoQuorum:
		summary += "No votes were cast. No action will be taken."
		action = "none"

	case poll.VerdictFail:
		summary += "**Poll did not pass.** No action will be taken."
		action = "none"

	case poll.VerdictPass:
		switch res.Kind {
		case poll.KindPrune:
			summary, action = c.applyPrune(ctx, res, summary)
		case poll.KindVerify:
			summary, action = c.applyVerify(ctx, res, summary)
		}
	}

	c.recordAudit(ctx, res, action)
	c.announce(ctx, summary)
}

// applyPrune removes the member from the guild and deletes their record.
func (c *Controller) applyPrune(ctx context.Context, res poll.Result, summary string) (string, string) {
	// The scan that opened the poll has already reset period counters, so the
	// kick reason uses the tally carried in the result, not the live ledger.
	reason := fmt.Sprintf("Inactivity poll passed (messages: %d, threshold: %d)",
		res.ObservedMessages, c.cfg.PruneMessageThreshold)

	err := c.gateway.RemoveMember(ctx, c.cfg.GuildID, res.Subject, reason)

	switch {
	case errors.Is(err, discord.ErrMemberNotFound):
		c.ledger.Remove(res.Subject)
		c.persist()

		return summary + fmt.Sprintf("%s already left the server.", res.SubjectName), "record removed"

	case err != nil:
		c.logger.Error("Failed to kick member",
			zap.Uint64("user_id", res.Subject),
			zap.Error(err))

		return summary + fmt.Sprintf("**Poll passed**, but kicking %s failed. They may outrank the bot.", res.SubjectName), "kick failed"
	}

	c.ledger.Remove(res.Subject)
	c.persist()

	c.logger.Info("Member kicked after prune poll",
		zap.Uint64("user_id", res.Subject),
		zap.String("poll_id", res.PollID.String()))

	return summary + fmt.Sprintf("**Poll passed!** %s has been kicked for inactivity.", res.SubjectName), "kicked"
}

// applyVerify grants the verified role and freezes the verification counter.
// A verdict arriving for a user verified while the poll was open is reported
// as superseded so the role grant never happens twice.
func (c *Controller) applyVerify(ctx context.Context, res poll.Result, summary string) (string, string) {
	rec, ok := c.ledger.Get(res.Subject)
	if !ok {
		return summary + fmt.Sprintf("%s is no longer tracked. No action taken.", res.SubjectName), "record missing"
	}

	if rec.Verified {
		c.logger.Info("Verify verdict superseded by earlier verification",
			zap.Uint64("user_id", res.Subject),
			zap.String("poll_id", res.PollID.String()))

		return summary + fmt.Sprintf("%s was already verified while the poll was open.", res.SubjectName), "superseded"
	}

	if err := c.grantVerifiedRoles(ctx, res.Subject); err != nil {
		c.logger.Error("Failed to grant verified role",
			zap.Uint64("user_id", res.Subject),
			zap.Error(err))

		return summary + fmt.Sprintf("**Poll passed**, but granting %s the verified role failed.", res.SubjectName), "grant failed"
	}

	c.ledger.MarkVerified(res.Subject)
	c.persist()

	return summary + fmt.Sprintf("**Poll passed!** %s is now a verified member.", res.SubjectName), "verified"
}

// grantVerifiedRoles grants the verified role and best-effort revokes the
// new-member role. A failed revoke does not block the grant.
func (c *Controller) grantVerifiedRoles(ctx context.Context, userID uint64) error {
	if err := c.gateway.GrantRole(ctx, c.cfg.GuildID, userID, c.cfg.VerifiedRoleID); err != nil {
		return err
	}

	if c.cfg.NewMemberRoleID != 0 {
		if err := c.gateway.RevokeRole(ctx, c.cfg.GuildID, userID, c.cfg.NewMemberRoleID); err != nil {
			c.logger.Warn("Failed to revoke new-member role",
				zap.Uint64("user_id", userID),
				zap.Error(err))
		}
	}

	return nil
}

// ManualVerify verifies a user without a poll. Any poll already open for them
// will resolve as superseded.
func (c *Controller) ManualVerify(ctx context.Context, userID uint64) error {
	rec, ok := c.ledger.Get(userID)
	if ok && rec.Verified {
		return ErrAlreadyVerified
	}

	if err := c.grantVerifiedRoles(ctx, userID); err != nil {
		return err
	}

	if !ok {
		// Verifying a user the ledger has never seen; create their record
		// so the flag has somewhere to live.
		c.ledger.EnsureJoined(userID, "", time.Now())
	}

	c.ledger.MarkVerified(userID)
	c.persist()

	c.logger.Info("Member manually verified", zap.Uint64("user_id", userID))

	return nil
}

// ManualDeny removes a member without a poll.
func (c *Controller) ManualDeny(ctx context.Context, userID uint64, reason string) error {
	err := c.gateway.RemoveMember(ctx, c.cfg.GuildID, userID, reason)
	if err != nil && !errors.Is(err, discord.ErrMemberNotFound) {
		return err
	}

	c.ledger.Remove(userID)
	c.persist()

	c.logger.Info("Member manually denied",
		zap.Uint64("user_id", userID),
		zap.String("reason", reason))

	return nil
}

// HandleMemberLeave drops the record of a member who left on their own.
func (c *Controller) HandleMemberLeave(userID uint64) {
	c.ledger.Remove(userID)
	c.persist()
}

func (c *Controller) persist() {
	if c.persister == nil {
		return
	}

	if err := c.persister.Persist(); err != nil {
		c.logger.Error("Failed to persist engine state", zap.Error(err))
	}
}

func (c *Controller) recordAudit(ctx context.Context, res poll.Result, action string) {
	if c.audit == nil {
		return
	}

	entry := audit.Entry{
		PollID:     res.PollID.String(),
		Kind:       res.Kind.String(),
		SubjectID:  res.Subject,
		Yes:        res.Yes,
		No:         res.No,
		Verdict:    res.Verdict.String(),
		Action:     action,
		ResolvedAt: time.Now().UnixMilli(),
	}

	if err := c.audit.Record(ctx, entry); err != nil {
		c.logger.Error("Failed to record poll audit entry",
			zap.String("poll_id", entry.PollID),
			zap.Error(err))
	}
}

func (c *Controller) announce(ctx context.Context, message string) {
	if _, err := c.gateway.PostMessage(ctx, c.cfg.AnnounceChannelID, message); err != nil {
		c.logger.Error("Failed to post poll result announcement", zap.Error(err))
	}
}
