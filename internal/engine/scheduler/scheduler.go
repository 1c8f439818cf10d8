package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/wardenlabs/warden/internal/discord"
	"github.com/wardenlabs/warden/internal/engine/ledger"
	"github.com/wardenlabs/warden/internal/engine/lifecycle"
	"github.com/wardenlabs/warden/internal/engine/poll"
	"github.com/wardenlabs/warden/internal/engine/store"
	"go.uber.org/zap"
)

// Discord caps messages at 2000 characters; announcements are chunked a bit
// below that to leave room for formatting.
const maxAnnouncementLength = 1950

// Config carries scan cadence and poll parameters.
type Config struct {
	PruneInterval                time.Duration
	PruneMessageThreshold        int
	VerificationWindow           time.Duration
	VerificationMessageThreshold int
	PrunePollDuration            time.Duration
	VerifyPollDuration           time.Duration
	PrunePassFraction            float64
	VerifyPassFraction           float64
	AnnounceChannelID            uint64
}

// Scheduler owns the two recurring scans and the scan clocks persisted with
// the ledger. Each firing snapshots the ledger, asks the lifecycle controller
// for candidates and dispatches one poll per candidate, sequentially.
type Scheduler struct {
	ledger     *ledger.Ledger
	store      *store.Store
	polls      *poll.Engine
	gateway    discord.Gateway
	controller *lifecycle.Controller
	logger     *zap.Logger

	mu               sync.Mutex
	cfg              Config
	lastPruneScanAt  int64
	lastVerifyScanAt int64

	rearmPrune  chan struct{}
	rearmVerify chan struct{}
}

// New creates a scheduler. The controller is wired in afterwards.
func New(ldg *ledger.Ledger, st *store.Store, polls *poll.Engine, gw discord.Gateway, cfg Config, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		ledger:      ldg,
		store:       st,
		polls:       polls,
		gateway:     gw,
		cfg:         cfg,
		logger:      logger.Named("scheduler"),
		rearmPrune:  make(chan struct{}, 1),
		rearmVerify: make(chan struct{}, 1),
	}
}

// SetController wires the lifecycle controller. Must be called before Start.
func (s *Scheduler) SetController(c *lifecycle.Controller) {
	s.controller = c
}

// RestoreClocks seeds the scan clocks from a loaded snapshot.
func (s *Scheduler) RestoreClocks(lastPruneScanAt, lastVerifyScanAt int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastPruneScanAt = lastPruneScanAt
	s.lastVerifyScanAt = lastVerifyScanAt
}

// LastPruneScanAt returns the pruning scan clock in unix milliseconds.
func (s *Scheduler) LastPruneScanAt() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastPruneScanAt
}

// LastVerificationScanAt returns the verification scan clock in unix
// milliseconds.
func (s *Scheduler) LastVerificationScanAt() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastVerifyScanAt
}

// Persist writes the scan clocks and the full ledger to the snapshot file.
// It implements lifecycle.Persister.
func (s *Scheduler) Persist() error {
	return s.store.Save(&store.Snapshot{
		LastPruneScanAt:        s.LastPruneScanAt(),
		LastVerificationScanAt: s.LastVerificationScanAt(),
		Users:                  s.ledger.Snapshot(),
	})
}

// Start runs overdue scans immediately, then arms both recurring timers.
// It returns once the timers are armed; scans run on their own goroutines
// until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	now := time.Now()

	if now.UnixMilli()-s.LastPruneScanAt() >= s.pruneInterval().Milliseconds() {
		s.logger.Info("Pruning scan is overdue, running now")

		if err := s.RunPruneScan(ctx); err != nil {
			s.logger.Error("Startup pruning scan failed", zap.Error(err))
		}
	}

	if now.UnixMilli()-s.LastVerificationScanAt() >= s.verifyInterval().Milliseconds() {
		s.logger.Info("Verification scan is overdue, running now")

		if err := s.RunVerifyScan(ctx); err != nil {
			s.logger.Error("Startup verification scan failed", zap.Error(err))
		}
	}

	go s.loop(ctx, "prune", s.pruneInterval, s.rearmPrune, s.RunPruneScan)
	go s.loop(ctx, "verify", s.verifyInterval, s.rearmVerify, s.RunVerifyScan)
}

// Reconfigure swaps the scan periods at runtime. Both timers are cancelled
// and re-armed with the new periods so duplicate timers never stack.
func (s *Scheduler) Reconfigure(pruneInterval, verificationWindow time.Duration) {
	s.mu.Lock()
	s.cfg.PruneInterval = pruneInterval
	s.cfg.VerificationWindow = verificationWindow
	s.mu.Unlock()

	for _, ch := range []chan struct{}{s.rearmPrune, s.rearmVerify} {
		select {
		case ch <- struct{}{}:
		default:
		}
	}

	s.logger.Info("Scan periods reconfigured",
		zap.Duration("prune_interval", pruneInterval),
		zap.Duration("verification_window", verificationWindow))
}

func (s *Scheduler) pruneInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cfg.PruneInterval
}

// verifyInterval is half the verification window so newly eligible members
// are picked up promptly without continuous re-scanning.
func (s *Scheduler) verifyInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cfg.VerificationWindow / 2
}

func (s *Scheduler) loop(ctx context.Context, name string, interval func() time.Duration, rearm <-chan struct{}, run func(context.Context) error) {
	for {
		timer := time.NewTimer(interval())

		select {
		case <-ctx.Done():
			timer.Stop()
			return

		case <-rearm:
			timer.Stop()
			continue

		case <-timer.C:
			if err := run(ctx); err != nil {
				s.logger.Error("Scan run failed, will retry at next firing",
					zap.String("scan", name),
					zap.Error(err))
			}
		}
	}
}

// RunPruneScan performs one pruning scan: drop records of members who left,
// open a poll per low-activity member, then reset every period counter and
// advance the scan clock. Counters reset regardless of poll outcomes because
// each period is an independent observation window.
func (s *Scheduler) RunPruneScan(ctx context.Context) error {
	s.logger.Info("Starting pruning scan")

	cfg := s.config()

	if err := s.announce(ctx, fmt.Sprintf(
		"📢 **Activity Scan Started!** Checking message counts from the last %s.",
		formatDuration(cfg.PruneInterval))); err != nil {
		return err
	}

	view, err := s.controller.LoadGuildView(ctx)
	if err != nil {
		return fmt.Errorf("failed to load guild view: %w", err)
	}

	snap := s.ledger.Snapshot()

	for _, id := range s.controller.MissingMembers(snap, view) {
		s.logger.Info("Removing record of departed member",
			zap.Uint64("user_id", id),
			zap.String("display_name", snap[id].DisplayName))
		s.ledger.Remove(id)
	}

	candidates := s.controller.EvaluatePruneCandidates(snap, view)

	if len(candidates) == 0 {
		if err := s.announce(ctx, "✅ All monitored users meet the activity criteria!"); err != nil {
			return err
		}
	} else {
		if err := s.announce(ctx, fmt.Sprintf(
			"🔍 Found %d user(s) with low activity (fewer than %d messages). Initiating polls...",
			len(candidates), cfg.PruneMessageThreshold)); err != nil {
			return err
		}

		// Sequential dispatch bounds simultaneous Discord calls; one
		// candidate's failure never aborts the rest.
		for _, id := range candidates {
			rec := snap[id]
			reason := fmt.Sprintf(
				"User **%s** has had %d message(s) in the monitored channel in the last %s (threshold is %d).",
				rec.DisplayName, rec.MessageCount, formatDuration(cfg.PruneInterval), cfg.PruneMessageThreshold)

			s.dispatchPoll(ctx, id, rec.DisplayName, reason, rec.MessageCount, poll.KindPrune, cfg.PrunePollDuration, cfg.PrunePassFraction)
		}
	}

	s.announceActiveUsers(ctx, snap, view, cfg.PruneMessageThreshold)

	// Reset strictly after candidate selection has read the snapshot. An
	// event arriving in between counts toward the next period instead.
	s.ledger.ResetPeriodCounters()

	s.mu.Lock()
	s.lastPruneScanAt = time.Now().UnixMilli()
	s.mu.Unlock()

	if err := s.Persist(); err != nil {
		s.logger.Error("Failed to persist after pruning scan", zap.Error(err))
	}

	s.logger.Info("Pruning scan completed", zap.Int("candidates", len(candidates)))

	return s.announce(ctx, "🏁 Activity scan completed. Message counts have been reset for the next period.")
}

// RunVerifyScan performs one verification scan: open a poll per unverified
// member who has been around long enough and spoken up enough.
func (s *Scheduler) RunVerifyScan(ctx context.Context) error {
	s.logger.Info("Starting verification scan")

	cfg := s.config()

	view, err := s.controller.LoadGuildView(ctx)
	if err != nil {
		return fmt.Errorf("failed to load guild view: %w", err)
	}

	now := time.Now()
	snap := s.ledger.Snapshot()
	candidates := s.controller.EvaluateVerifyCandidates(snap, view, now)

	for _, id := range candidates {
		rec := snap[id]
		memberFor := time.Duration(now.UnixMilli()-rec.JoinedAt) * time.Millisecond
		reason := fmt.Sprintf(
			"User **%s** joined %s ago and has sent %d message(s) since (threshold is %d).",
			rec.DisplayName, formatDuration(memberFor), rec.VerificationMessageCount, cfg.VerificationMessageThreshold)

		s.dispatchPoll(ctx, id, rec.DisplayName, reason, rec.VerificationMessageCount, poll.KindVerify, cfg.VerifyPollDuration, cfg.VerifyPassFraction)
	}

	s.mu.Lock()
	s.lastVerifyScanAt = now.UnixMilli()
	s.mu.Unlock()

	if err := s.Persist(); err != nil {
		s.logger.Error("Failed to persist after verification scan", zap.Error(err))
	}

	s.logger.Info("Verification scan completed", zap.Int("candidates", len(candidates)))

	return nil
}

// dispatchPoll starts one poll and deals with per-candidate failures locally.
func (s *Scheduler) dispatchPoll(ctx context.Context, userID uint64, displayName, reason string, observed int, kind poll.Kind, duration time.Duration, passFraction float64) {
	err := s.polls.Start(ctx, userID, reason, observed, kind, duration, passFraction)

	switch {
	case err == nil:

	case errors.Is(err, discord.ErrMemberNotFound):
		// Left between snapshot and dispatch.
		s.ledger.Remove(userID)

	case errors.Is(err, poll.ErrSubjectPrivileged):
		s.logger.Info("Skipping poll for protected member",
			zap.Uint64("user_id", userID),
			zap.String("kind", kind.String()))

		if announceErr := s.announce(ctx, fmt.Sprintf(
			"⚠️ Cannot open a %s poll for **%s**: they hold a protected position.",
			kind, displayName)); announceErr != nil {
			s.logger.Error("Failed to announce skipped candidate", zap.Error(announceErr))
		}

	default:
		s.logger.Error("Failed to open poll, candidate skipped for this cycle",
			zap.Uint64("user_id", userID),
			zap.String("kind", kind.String()),
			zap.Error(err))
	}
}

// announceActiveUsers congratulates members who met the activity bar, chunked
// to stay under the message size limit.
func (s *Scheduler) announceActiveUsers(ctx context.Context, snap map[uint64]ledger.UserRecord, view *lifecycle.GuildView, threshold int) {
	var mentions []string

	for id, rec := range snap {
		if view.Present(id) && rec.MessageCount >= threshold {
			mentions = append(mentions, fmt.Sprintf("<@%d>", id))
		}
	}

	if len(mentions) == 0 {
		return
	}

	message := "🎉 The following users have met the activity criteria and continue to enjoy full access: " +
		strings.Join(mentions, ", ")

	for _, chunk := range chunkMessage(message, maxAnnouncementLength) {
		if err := s.announce(ctx, chunk); err != nil {
			s.logger.Error("Failed to announce active users", zap.Error(err))
			return
		}
	}
}

func (s *Scheduler) announce(ctx context.Context, message string) error {
	_, err := s.gateway.PostMessage(ctx, s.config().AnnounceChannelID, message)
	return err
}

func (s *Scheduler) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cfg
}

// chunkMessage splits at rune boundaries so a multi-byte character is never
// bisected across two messages.
func chunkMessage(message string, size int) []string {
	var chunks []string

	for len(message) > size {
		cut := size
		for cut > 0 && !utf8.RuneStart(message[cut]) {
			cut--
		}

		if cut == 0 {
			cut = size
		}

		chunks = append(chunks, message[:cut])
		message = message[cut:]
	}

	return append(chunks, message)
}

func formatDuration(d time.Duration) string {
	switch {
	case d >= 24*time.Hour:
		return fmt.Sprintf("%d day(s)", int(d.Hours()/24))
	case d >= time.Hour:
		return fmt.Sprintf("%d hour(s)", int(d.Hours()))
	default:
		return d.Round(time.Minute).String()
	}
}
