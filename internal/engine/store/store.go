package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/wardenlabs/warden/internal/engine/ledger"
	"go.uber.org/zap"
)

// Snapshot is the unit of persistence: both scan clocks plus every user
// record. It is written in full on every save.
type Snapshot struct {
	LastPruneScanAt        int64
	LastVerificationScanAt int64
	Users                  map[uint64]ledger.UserRecord
}

// Store reads and writes the engine snapshot file. Saves serialize through a
// mutex so concurrent event handlers never interleave partial writes.
type Store struct {
	mu     sync.Mutex
	path   string
	logger *zap.Logger
}

// New creates a store backed by the given file path.
func New(path string, logger *zap.Logger) *Store {
	return &Store{
		path:   path,
		logger: logger.Named("store"),
	}
}

// wireSnapshot is the on-disk layout. Older files predate the verification
// fields and used the username/lastMessageTimestamp names, so everything
// beyond the user map itself is optional and defaulted on load.
type wireSnapshot struct {
	LastPruneScanAt        int64                `json:"lastPruneScanAt"`
	LastVerificationScanAt int64                `json:"lastVerificationScanAt"`
	LastScanTimestamp      int64                `json:"lastScanTimestamp,omitempty"`
	Users                  map[uint64]*wireUser `json:"users"`
}

type wireUser struct {
	DisplayName              string `json:"displayName,omitempty"`
	Username                 string `json:"username,omitempty"`
	MessageCount             int    `json:"messageCount"`
	LastActivityAt           *int64 `json:"lastActivityAt,omitempty"`
	LastMessageTimestamp     *int64 `json:"lastMessageTimestamp,omitempty"`
	JoinedAt                 int64  `json:"joinedAt,omitempty"`
	Verified                 bool   `json:"verified,omitempty"`
	VerificationMessageCount int    `json:"verificationMessageCount,omitempty"`
}

// Load reads the snapshot file. A missing file yields a fresh empty snapshot.
// An unreadable or corrupt file is logged and also yields a fresh snapshot,
// trading historical counts for availability.
func (s *Store) Load() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Error("Failed to read snapshot file, starting fresh",
				zap.String("path", s.path),
				zap.Error(err))
		}

		return &Snapshot{Users: make(map[uint64]ledger.UserRecord)}
	}

	var wire wireSnapshot
	if err := sonic.Unmarshal(data, &wire); err != nil {
		s.logger.Error("Failed to parse snapshot file, starting fresh",
			zap.String("path", s.path),
			zap.Error(err))

		return &Snapshot{Users: make(map[uint64]ledger.UserRecord)}
	}

	snap := &Snapshot{
		LastPruneScanAt:        wire.LastPruneScanAt,
		LastVerificationScanAt: wire.LastVerificationScanAt,
		Users:                  make(map[uint64]ledger.UserRecord, len(wire.Users)),
	}

	// Files written before the two-clock split carried a single scan
	// timestamp for the pruning scan.
	if snap.LastPruneScanAt == 0 {
		snap.LastPruneScanAt = wire.LastScanTimestamp
	}

	for id, u := range wire.Users {
		if u == nil {
			continue
		}

		rec := ledger.UserRecord{
			DisplayName:              u.DisplayName,
			MessageCount:             u.MessageCount,
			JoinedAt:                 u.JoinedAt,
			Verified:                 u.Verified,
			VerificationMessageCount: u.VerificationMessageCount,
		}

		if rec.DisplayName == "" {
			rec.DisplayName = u.Username
		}

		switch {
		case u.LastActivityAt != nil:
			rec.LastActivityAt = *u.LastActivityAt
		case u.LastMessageTimestamp != nil:
			rec.LastActivityAt = *u.LastMessageTimestamp
		}

		snap.Users[id] = rec
	}

	s.logger.Info("Loaded engine snapshot",
		zap.String("path", s.path),
		zap.Int("users", len(snap.Users)))

	return snap
}

// Save overwrites the snapshot file with the given state, writing to a
// temporary file and renaming it so a crash mid-write never truncates the
// previous snapshot.
func (s *Store) Save(snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wire := wireSnapshot{
		LastPruneScanAt:        snap.LastPruneScanAt,
		LastVerificationScanAt: snap.LastVerificationScanAt,
		Users:                  make(map[uint64]*wireUser, len(snap.Users)),
	}

	for id, rec := range snap.Users {
		u := &wireUser{
			DisplayName:              rec.DisplayName,
			MessageCount:             rec.MessageCount,
			JoinedAt:                 rec.JoinedAt,
			Verified:                 rec.Verified,
			VerificationMessageCount: rec.VerificationMessageCount,
		}

		if rec.LastActivityAt != 0 {
			last := rec.LastActivityAt
			u.LastActivityAt = &last
		}

		wire.Users[id] = u
	}

	data, err := sonic.Marshal(&wire)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}

	return nil
}
