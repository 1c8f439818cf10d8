package poll

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	gateway "github.com/wardenlabs/warden/internal/discord"
	"go.uber.org/zap"
)

// Reaction emojis registered on every vote prompt.
const (
	EmojiYes = "✅"
	EmojiNo  = "❌"
)

// Embed colors for the two poll kinds.
const (
	prunePollColor  = 0xFF0000
	verifyPollColor = 0x00AA55
)

// ErrSubjectPrivileged reports that a poll subject cannot be acted on: they
// are the bot itself, the guild owner, a moderator, or outrank the bot.
var ErrSubjectPrivileged = errors.New("poll subject holds a protected position")

// Kind distinguishes removal votes from promotion votes.
type Kind int

const (
	KindPrune Kind = iota
	KindVerify
)

func (k Kind) String() string {
	switch k {
	case KindPrune:
		return "prune"
	case KindVerify:
		return "verify"
	default:
		return "unknown"
	}
}

// Verdict is the terminal decision of one poll.
type Verdict int

const (
	VerdictPass Verdict = iota
	VerdictFail
	VerdictNoQuorum
	VerdictSubjectGone
)

func (v Verdict) String() string {
	switch v {
	case VerdictPass:
		return "pass"
	case VerdictFail:
		return "fail"
	case VerdictNoQuorum:
		return "no_quorum"
	case VerdictSubjectGone:
		return "subject_gone"
	default:
		return "unknown"
	}
}

// Result is delivered to the resolver exactly once per started poll.
// ObservedMessages echoes the subject's message tally from the scan that
// opened the poll; period counters may have been reset since, so resolvers
// must not re-read it from the ledger.
type Result struct {
	PollID           uuid.UUID
	Subject          uint64
	SubjectName      string
	Kind             Kind
	Yes              int
	No               int
	ObservedMessages int
	Verdict          Verdict
}

// ResolveFunc receives the verdict when a poll window closes.
type ResolveFunc func(ctx context.Context, res Result)

// Config identifies where polls run.
type Config struct {
	GuildID          uint64
	ChannelID        uint64
	ModeratorRoleIDs []uint64
}

// Engine runs timed binary votes. Each started poll posts a prompt, collects
// ballots routed in from reaction events, and resolves after its window with
// exactly one verdict. Open polls are not persisted; a restart loses them and
// the next scan re-evaluates eligibility.
type Engine struct {
	gateway gateway.Gateway
	cfg     Config
	resolve ResolveFunc
	logger  *zap.Logger

	mu   sync.Mutex
	open map[uint64]*activePoll
	pool *pool.Pool
}

type activePoll struct {
	id           uuid.UUID
	messageID    uint64
	subject      uint64
	subjectName  string
	kind         Kind
	observed     int
	passFraction float64

	mu  sync.Mutex
	yes map[uint64]struct{}
	no  map[uint64]struct{}
}

// NewEngine creates a poll engine posting to the configured channel.
func NewEngine(gw gateway.Gateway, cfg Config, logger *zap.Logger) *Engine {
	return &Engine{
		gateway: gw,
		cfg:     cfg,
		logger:  logger.Named("poll"),
		open:    make(map[uint64]*activePoll),
		pool:    pool.New(),
	}
}

// SetResolver wires the verdict callback. Must be called before Start.
func (e *Engine) SetResolver(resolve ResolveFunc) {
	e.resolve = resolve
}

// Start opens a poll against the subject and returns without waiting for the
// window to close. It fails synchronously when the subject is privileged, no
// longer a member, or the prompt cannot be posted; the caller skips the
// candidate for this cycle and no retry is attempted. observedMessages is the
// message tally that made the subject a candidate, echoed back in the Result.
func (e *Engine) Start(ctx context.Context, subjectID uint64, reason string, observedMessages int, kind Kind, duration time.Duration, passFraction float64) error {
	subject, err := e.gateway.FetchMember(ctx, e.cfg.GuildID, subjectID)
	if err != nil {
		return err
	}

	if err := e.checkPrivilege(ctx, subject); err != nil {
		return err
	}

	messageID, err := e.gateway.PostEmbed(ctx, e.cfg.ChannelID, e.buildPrompt(subject, reason, kind, duration))
	if err != nil {
		return err
	}

	// Seed the two vote options. Failures here leave the poll usable, voters
	// just have to type the reaction themselves.
	for _, emoji := range []string{EmojiYes, EmojiNo} {
		if err := e.gateway.AddReaction(ctx, e.cfg.ChannelID, messageID, emoji); err != nil {
			e.logger.Warn("Failed to seed vote reaction",
				zap.Uint64("message_id", messageID),
				zap.String("emoji", emoji),
				zap.Error(err))
		}
	}

	p := &activePoll{
		id:           uuid.New(),
		messageID:    messageID,
		subject:      subjectID,
		subjectName:  subject.DisplayName,
		kind:         kind,
		observed:     observedMessages,
		passFraction: passFraction,
		yes:          make(map[uint64]struct{}),
		no:           make(map[uint64]struct{}),
	}

	e.mu.Lock()
	e.open[messageID] = p
	e.mu.Unlock()

	e.logger.Info("Poll opened",
		zap.String("poll_id", p.id.String()),
		zap.String("kind", kind.String()),
		zap.Uint64("subject_id", subjectID),
		zap.Duration("duration", duration))

	e.pool.Go(func() {
		timer := time.NewTimer(duration)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			e.unregister(messageID)
			return
		case <-timer.C:
		}

		e.resolvePoll(ctx, p)
	})

	return nil
}

// HandleReactionAdd records a ballot for an open poll. Reactions from
// automated accounts and reactions on unrelated messages are ignored.
func (e *Engine) HandleReactionAdd(messageID, userID uint64, emoji string, fromBot bool) {
	if fromBot || userID == e.gateway.BotUserID() {
		return
	}

	p := e.lookup(messageID)
	if p == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch emoji {
	case EmojiYes:
		p.yes[userID] = struct{}{}
	case EmojiNo:
		p.no[userID] = struct{}{}
	}
}

// HandleReactionRemove withdraws a previously recorded ballot.
func (e *Engine) HandleReactionRemove(messageID, userID uint64, emoji string) {
	p := e.lookup(messageID)
	if p == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch emoji {
	case EmojiYes:
		delete(p.yes, userID)
	case EmojiNo:
		delete(p.no, userID)
	}
}

// Wait blocks until every open poll's resolution goroutine has finished.
func (e *Engine) Wait() {
	e.pool.Wait()
}

func (e *Engine) lookup(messageID uint64) *activePoll {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.open[messageID]
}

func (e *Engine) unregister(messageID uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.open, messageID)
}

// resolvePoll closes the ballot, re-checks the subject is still a member and
// delivers the verdict.
func (e *Engine) resolvePoll(ctx context.Context, p *activePoll) {
	e.unregister(p.messageID)

	p.mu.Lock()
	yes, no := len(p.yes), len(p.no)
	p.mu.Unlock()

	res := Result{
		PollID:           p.id,
		Subject:          p.subject,
		SubjectName:      p.subjectName,
		Kind:             p.kind,
		Yes:              yes,
		No:               no,
		ObservedMessages: p.observed,
	}

	// The subject may have left while the poll was open; their departure
	// overrides the tally. Only a confirmed departure counts: a transient
	// lookup failure says nothing about membership, so the tally goes
	// unactioned and the next scan re-evaluates the subject.
	_, err := e.gateway.FetchMember(ctx, e.cfg.GuildID, p.subject)
	switch {
	case errors.Is(err, gateway.ErrMemberNotFound):
		res.Verdict = VerdictSubjectGone
	case err != nil:
		e.logger.Error("Failed to re-check poll subject, leaving tally unactioned",
			zap.String("poll_id", p.id.String()),
			zap.Uint64("subject_id", p.subject),
			zap.Int("yes", yes),
			zap.Int("no", no),
			zap.Error(err))

		if _, postErr := e.gateway.PostMessage(ctx, e.cfg.ChannelID, fmt.Sprintf(
			"⚠️ Poll for **%s** ended %d-%d, but their membership could not be confirmed. No action was taken; the next scan will re-evaluate them.",
			p.subjectName, yes, no)); postErr != nil {
			e.logger.Error("Failed to announce unactioned poll",
				zap.String("poll_id", p.id.String()),
				zap.Error(postErr))
		}

		return
	default:
		res.Verdict = Decide(yes, no, p.passFraction)
	}

	e.logger.Info("Poll resolved",
		zap.String("poll_id", p.id.String()),
		zap.String("kind", p.kind.String()),
		zap.Uint64("subject_id", p.subject),
		zap.Int("yes", yes),
		zap.Int("no", no),
		zap.String("verdict", res.Verdict.String()))

	if e.resolve != nil {
		e.resolve(ctx, res)
	}
}

// Decide computes the verdict for a closed ballot. Passing requires both a
// strict majority and clearing the pass fraction, so a 1-0 tally with a high
// fraction configured still passes only if 1/1 >= fraction.
func Decide(yes, no int, passFraction float64) Verdict {
	total := yes + no
	if total == 0 {
		return VerdictNoQuorum
	}

	if yes > no && float64(yes)/float64(total) >= passFraction {
		return VerdictPass
	}

	return VerdictFail
}

// checkPrivilege rejects subjects the bot must not act on.
func (e *Engine) checkPrivilege(ctx context.Context, subject *gateway.Member) error {
	if subject.ID == e.gateway.BotUserID() {
		return fmt.Errorf("%w: subject is the bot itself", ErrSubjectPrivileged)
	}

	ownerID, err := e.gateway.GuildOwnerID(ctx, e.cfg.GuildID)
	if err != nil {
		return err
	}

	if subject.ID == ownerID {
		return fmt.Errorf("%w: subject owns the guild", ErrSubjectPrivileged)
	}

	if gateway.HasRole(subject.RoleIDs, e.cfg.ModeratorRoleIDs...) {
		return fmt.Errorf("%w: subject is a moderator", ErrSubjectPrivileged)
	}

	roles, err := e.gateway.GuildRoles(ctx, e.cfg.GuildID)
	if err != nil {
		return err
	}

	botMember, err := e.gateway.FetchMember(ctx, e.cfg.GuildID, e.gateway.BotUserID())
	if err != nil {
		return err
	}

	if gateway.HighestRolePosition(roles, subject.RoleIDs) >= gateway.HighestRolePosition(roles, botMember.RoleIDs) {
		return fmt.Errorf("%w: subject outranks the bot", ErrSubjectPrivileged)
	}

	return nil
}

// buildPrompt renders the vote prompt for the given poll kind.
func (e *Engine) buildPrompt(subject *gateway.Member, reason string, kind Kind, duration time.Duration) discord.Embed {
	builder := discord.NewEmbedBuilder().
		SetTimestamp(time.Now()).
		SetFooterText(fmt.Sprintf("Poll ends in %s.", duration.Round(time.Minute)))

	switch kind {
	case KindPrune:
		builder.SetColor(prunePollColor).
			SetTitle(fmt.Sprintf("Kick Poll: %s", subject.DisplayName)).
			SetDescription(fmt.Sprintf("%s\n\nShould they be kicked for inactivity?", reason)).
			AddField("React to Vote", fmt.Sprintf("%s = Yes, Kick\n%s = No, Keep", EmojiYes, EmojiNo), false)
	case KindVerify:
		builder.SetColor(verifyPollColor).
			SetTitle(fmt.Sprintf("Verification Poll: %s", subject.DisplayName)).
			SetDescription(fmt.Sprintf("%s\n\nShould they be promoted to verified member?", reason)).
			AddField("React to Vote", fmt.Sprintf("%s = Yes, Verify\n%s = No, Not Yet", EmojiYes, EmojiNo), false)
	}

	return builder.Build()
}
