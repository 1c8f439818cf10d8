package setup

import (
	"log"
	"path/filepath"

	"github.com/wardenlabs/warden/internal/audit"
	"github.com/wardenlabs/warden/internal/engine/store"
	"github.com/wardenlabs/warden/internal/logging"
	"github.com/wardenlabs/warden/internal/setup/config"
	"go.uber.org/zap"
)

// App bundles all core dependencies and services needed by the application.
// Each field represents a major subsystem that needs initialization and cleanup.
type App struct {
	Config      *config.Config // Application configuration
	ConfigPath  string         // Directory the config was loaded from
	Logger      *zap.Logger    // Main application logger
	AuditLogger *zap.Logger    // Audit-specific logger
	Store       *store.Store   // Engine snapshot persistence
	Audit       *audit.Log     // Poll outcome audit log
}

// InitializeApp bootstraps all application dependencies in the correct order,
// ensuring each component has its required dependencies available.
func InitializeApp(logDir string) (*App, error) {
	// Load app configuration
	cfg, configDir, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}

	// Logging system is initialized next to capture setup issues
	logger, auditLogger, err := logging.SetupLogging(logDir, cfg.Debug.LogLevel, cfg.Debug.MaxLogsToKeep)
	if err != nil {
		return nil, err
	}

	// Snapshot store holds the activity ledger between sessions
	engineStore := store.New(filepath.Join(cfg.Storage.DataDir, "engine.json"), logger)

	// Audit log records every resolved poll
	auditLog, err := audit.Open(filepath.Join(cfg.Storage.DataDir, "audit.db"), auditLogger)
	if err != nil {
		return nil, err
	}

	// Bundle all initialized components
	return &App{
		Config:      cfg,
		ConfigPath:  configDir,
		Logger:      logger,
		AuditLogger: auditLogger,
		Store:       engineStore,
		Audit:       auditLog,
	}, nil
}

// Cleanup ensures graceful shutdown of all components in reverse initialization order.
// Logs but does not fail on cleanup errors to ensure all components get cleanup attempts.
func (s *App) Cleanup() {
	// Close the audit database first so its final writes get logged
	if err := s.Audit.Close(); err != nil {
		s.Logger.Error("Failed to close audit log", zap.Error(err))
	}

	// Sync buffered logs before shutdown
	if err := s.Logger.Sync(); err != nil {
		log.Printf("Failed to sync logger: %v", err)
	}

	if err := s.AuditLogger.Sync(); err != nil {
		log.Printf("Failed to sync audit logger: %v", err)
	}
}
