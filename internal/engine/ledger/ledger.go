package ledger

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// UserRecord tracks one member's observed activity. Timestamps are unix
// milliseconds; a LastActivityAt of 0 means no qualifying activity has been
// seen yet.
type UserRecord struct {
	DisplayName              string
	MessageCount             int
	LastActivityAt           int64
	JoinedAt                 int64
	Verified                 bool
	VerificationMessageCount int
}

// Ledger is the in-memory table of per-user activity records. It is the only
// component that mutates records during activity recording; lifecycle changes
// (verification, removal) go through the dedicated methods below.
type Ledger struct {
	mu     sync.RWMutex
	users  map[uint64]*UserRecord
	logger *zap.Logger
}

// New creates an empty ledger.
func New(logger *zap.Logger) *Ledger {
	return &Ledger{
		users:  make(map[uint64]*UserRecord),
		logger: logger.Named("ledger"),
	}
}

// Load replaces the ledger contents with records restored from a snapshot.
// Called once during startup, before any events are processed.
func (l *Ledger) Load(users map[uint64]UserRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.users = make(map[uint64]*UserRecord, len(users))
	for id, rec := range users {
		copied := rec
		l.users[id] = &copied
	}
}

// Record notes one qualifying activity event for a user, creating the record
// if this is the first time the user has been seen. A user whose first event
// arrives before their join notification gets JoinedAt backfilled to now,
// which can overstate how recently they joined.
func (l *Ledger) Record(userID uint64, displayName string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.users[userID]
	if !ok {
		rec = &UserRecord{JoinedAt: now.UnixMilli()}
		l.users[userID] = rec
		l.logger.Debug("Created activity record from first message",
			zap.Uint64("user_id", userID),
			zap.String("display_name", displayName))
	}

	rec.MessageCount++
	rec.DisplayName = displayName
	rec.LastActivityAt = now.UnixMilli()

	if !rec.Verified {
		rec.VerificationMessageCount++
	}
}

// EnsureJoined creates a record for a newly joined member. If a record
// already exists (the member messaged before the join event arrived, or
// rejoined before the next scan) only the display name is refreshed.
func (l *Ledger) EnsureJoined(userID uint64, displayName string, joinedAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec, ok := l.users[userID]; ok {
		rec.DisplayName = displayName
		return
	}

	l.users[userID] = &UserRecord{
		DisplayName: displayName,
		JoinedAt:    joinedAt.UnixMilli(),
	}
}

// ResetPeriodCounters zeroes every record's message count. The pruning scan
// calls this only after it has finished reading counts for the period.
func (l *Ledger) ResetPeriodCounters() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, rec := range l.users {
		rec.MessageCount = 0
	}
}

// MarkVerified flips a record's verified flag, freezing its verification
// message count. Returns false if the record is absent or already verified.
func (l *Ledger) MarkVerified(userID uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.users[userID]
	if !ok || rec.Verified {
		return false
	}

	rec.Verified = true
	return true
}

// Remove deletes a user's record. Removing an absent user is a no-op.
func (l *Ledger) Remove(userID uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.users, userID)
}

// Get returns a copy of one record.
func (l *Ledger) Get(userID uint64) (UserRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.users[userID]
	if !ok {
		return UserRecord{}, false
	}

	return *rec, true
}

// Snapshot returns a deep copy of all records so scan evaluation is not
// invalidated by activity events arriving mid-iteration.
func (l *Ledger) Snapshot() map[uint64]UserRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	snap := make(map[uint64]UserRecord, len(l.users))
	for id, rec := range l.users {
		snap[id] = *rec
	}

	return snap
}
