package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"
)

var (
	ErrConfigFileNotFound    = errors.New("could not find config file in any config path")
	ErrConfigVersionMismatch = errors.New("config file version mismatch")
)

// CurrentVersion is the expected config file version.
const CurrentVersion = 1

// Config represents the entire application configuration.
type Config struct {
	// Version of the config file.
	Version    int              `koanf:"version"`
	Debug      Debug            `koanf:"debug"`
	Discord    Discord          `koanf:"discord"`
	Roles      Roles            `koanf:"roles"`
	Storage    Storage          `koanf:"storage"`
	Moderation ModerationConfig `koanf:"moderation"`
}

// Debug contains debug-related configuration.
type Debug struct {
	// Log level (debug, info, warn, error).
	LogLevel string `koanf:"log_level"`
	// Maximum log sessions to keep.
	MaxLogsToKeep int `koanf:"max_logs_to_keep"`
}

// Discord contains bot connection and channel configuration.
type Discord struct {
	// Bot token for authentication.
	Token string `koanf:"token"`
	// Guild the bot moderates.
	GuildID uint64 `koanf:"guild_id"`
	// Channel whose messages count as activity.
	ActivityChannelID uint64 `koanf:"activity_channel_id"`
	// Channel for scan announcements and polls.
	AnnouncementChannelID uint64 `koanf:"announcement_channel_id"`
}

// Roles contains the role IDs the lifecycle controller manages.
type Roles struct {
	// Role granted when a member passes verification.
	VerifiedRoleID uint64 `koanf:"verified_role_id"`
	// Role revoked on verification, zero to skip.
	NewMemberRoleID uint64 `koanf:"new_member_role_id"`
	// Members holding any of these roles are never poll subjects and may
	// use the override commands.
	ModeratorRoleIDs []uint64 `koanf:"moderator_role_ids"`
}

// Storage contains file paths for persisted state.
type Storage struct {
	// Directory holding the snapshot file and audit database.
	DataDir string `koanf:"data_dir"`
}

// ModerationConfig contains scan cadence and poll thresholds.
type ModerationConfig struct {
	// Days between pruning scans.
	ScanIntervalDays int `koanf:"scan_interval_days"`
	// Minimum messages per period to avoid a pruning poll.
	MessageThreshold int `koanf:"message_threshold"`
	// Days of membership before a verification poll may open.
	VerificationWindowDays int `koanf:"verification_window_days"`
	// Minimum messages while unverified before a verification poll may open.
	VerificationMessageThreshold int `koanf:"verification_message_threshold"`
	// Pruning poll window in hours.
	PrunePollDurationHours int `koanf:"prune_poll_duration_hours"`
	// Verification poll window in hours.
	VerifyPollDurationHours int `koanf:"verify_poll_duration_hours"`
	// Minimum yes share of cast votes for a pruning poll to pass.
	PrunePassFraction float64 `koanf:"prune_pass_fraction"`
	// Minimum yes share of cast votes for a verification poll to pass.
	VerifyPassFraction float64 `koanf:"verify_pass_fraction"`
}

// PruneInterval returns the pruning scan period.
func (m *ModerationConfig) PruneInterval() time.Duration {
	return time.Duration(m.ScanIntervalDays) * 24 * time.Hour
}

// VerificationWindow returns the minimum membership age for verification.
func (m *ModerationConfig) VerificationWindow() time.Duration {
	return time.Duration(m.VerificationWindowDays) * 24 * time.Hour
}

// PrunePollDuration returns the pruning poll window.
func (m *ModerationConfig) PrunePollDuration() time.Duration {
	return time.Duration(m.PrunePollDurationHours) * time.Hour
}

// VerifyPollDuration returns the verification poll window.
func (m *ModerationConfig) VerifyPollDuration() time.Duration {
	return time.Duration(m.VerifyPollDurationHours) * time.Hour
}

// LoadConfig loads the configuration from the first warden.toml found in the
// search paths. Returns the config along with the used config directory.
func LoadConfig() (*Config, string, error) {
	k := koanf.New(".")

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, "", fmt.Errorf("failed to get home directory: %w", err)
	}

	configPaths := []string{
		".warden",
		homeDir + "/.warden/config",
		"/etc/warden/config",
		"/app/config",
		"config",
		".",
	}

	var usedConfigPath string

	for _, path := range configPaths {
		configPath := fmt.Sprintf("%s/warden.toml", path)
		if err := k.Load(file.Provider(configPath), toml.Parser()); err == nil {
			usedConfigPath = path
			break
		}
	}

	if usedConfigPath == "" {
		return nil, "", fmt.Errorf("%w: warden.toml", ErrConfigFileNotFound)
	}

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, "", fmt.Errorf("error unmarshaling config: %w", err)
	}

	if config.Version != CurrentVersion {
		return nil, "", fmt.Errorf("%w: expected version %d, got %d",
			ErrConfigVersionMismatch, CurrentVersion, config.Version)
	}

	if err := config.Validate(); err != nil {
		return nil, "", err
	}

	return &config, usedConfigPath, nil
}

// WatchConfig invokes onChange with a freshly validated config whenever
// warden.toml in configDir changes on disk. Edits that fail to parse or
// validate are logged and ignored, keeping the running configuration.
func WatchConfig(configDir string, logger *zap.Logger, onChange func(*Config)) error {
	configPath := fmt.Sprintf("%s/warden.toml", configDir)

	return file.Provider(configPath).Watch(func(_ interface{}, err error) {
		if err != nil {
			logger.Error("Config file watch failed", zap.Error(err))
			return
		}

		k := koanf.New(".")
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			logger.Warn("Ignoring unreadable config change", zap.Error(err))
			return
		}

		var config Config
		if err := k.Unmarshal("", &config); err != nil {
			logger.Warn("Ignoring unparseable config change", zap.Error(err))
			return
		}

		if config.Version != CurrentVersion {
			logger.Warn("Ignoring config change with wrong version",
				zap.Int("version", config.Version))
			return
		}

		if err := config.Validate(); err != nil {
			logger.Warn("Ignoring invalid config change", zap.Error(err))
			return
		}

		onChange(&config)
	})
}

// Validate rejects configurations the engine cannot run safely with. A zero
// scan period would degrade into a busy loop, so these are startup-fatal.
func (c *Config) Validate() error {
	if c.Discord.Token == "" {
		return errors.New("discord token is not configured")
	}

	if c.Discord.GuildID == 0 {
		return errors.New("discord guild_id is not configured")
	}

	if c.Discord.ActivityChannelID == 0 || c.Discord.AnnouncementChannelID == 0 {
		return errors.New("discord activity and announcement channels must be configured")
	}

	if c.Roles.VerifiedRoleID == 0 {
		return errors.New("verified_role_id is not configured")
	}

	m := &c.Moderation
	if m.ScanIntervalDays <= 0 {
		return errors.New("scan_interval_days must be positive")
	}

	if m.VerificationWindowDays <= 0 {
		return errors.New("verification_window_days must be positive")
	}

	if m.PrunePollDurationHours <= 0 || m.VerifyPollDurationHours <= 0 {
		return errors.New("poll durations must be positive")
	}

	if m.PrunePassFraction <= 0 || m.PrunePassFraction > 1 {
		return errors.New("prune_pass_fraction must be in (0, 1]")
	}

	if m.VerifyPassFraction <= 0 || m.VerifyPassFraction > 1 {
		return errors.New("verify_pass_fraction must be in (0, 1]")
	}

	if m.MessageThreshold < 0 || m.VerificationMessageThreshold < 0 {
		return errors.New("message thresholds must not be negative")
	}

	return nil
}
