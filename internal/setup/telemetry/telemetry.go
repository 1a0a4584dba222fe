// Package telemetry builds the bot's loggers. Each run writes into its
// own timestamped session directory, with a "latest" symlink for easy
// tailing, and old sessions are pruned on startup.
package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// defaultMaxSessions bounds how many session directories are retained.
const defaultMaxSessions = 10

// Manager handles the creation and rotation of log session directories.
type Manager struct {
	instanceID  string
	logDir      string
	sessionDir  string
	level       zapcore.Level
	maxSessions int
}

// NewManager prepares a session directory under logDir. A nil error
// means Logger can be called.
func NewManager(logDir, level string, maxSessions int) (*Manager, error) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		parsed = zapcore.InfoLevel
	}

	if maxSessions <= 0 {
		maxSessions = defaultMaxSessions
	}

	m := &Manager{
		instanceID:  uuid.New().String(),
		logDir:      logDir,
		level:       parsed,
		maxSessions: maxSessions,
	}

	if logDir != "" {
		if err := m.prepareSession(); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// InstanceID returns the unique identifier for this program instance.
func (m *Manager) InstanceID() string { return m.instanceID }

// SessionDir returns the current session's log directory, empty when
// file logging is disabled.
func (m *Manager) SessionDir() string { return m.sessionDir }

// Logger builds the main logger: console output always, plus a session
// log file when a log directory is configured.
func (m *Manager) Logger() (*zap.Logger, error) {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderCfg),
			zapcore.Lock(os.Stdout),
			m.level,
		),
	}

	if m.sessionDir != "" {
		file, err := os.OpenFile(
			filepath.Join(m.sessionDir, "main.log"),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644,
		)
		if err != nil {
			return nil, fmt.Errorf("open session log: %w", err)
		}

		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.Lock(file),
			m.level,
		))
	}

	logger := zap.New(
		zapcore.NewTee(cores...),
		zap.AddCaller(),
		zap.Fields(zap.String("instance", m.instanceID)),
	)

	return logger, nil
}

// prepareSession creates the timestamped directory, repoints "latest",
// and prunes sessions beyond the retention limit.
func (m *Manager) prepareSession() error {
	m.sessionDir = filepath.Join(m.logDir, time.Now().Format("20060102_150405"))

	if err := os.MkdirAll(m.sessionDir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	latest := filepath.Join(m.logDir, "latest")
	_ = os.Remove(latest)
	_ = os.Symlink(m.sessionDir, latest)

	return m.pruneSessions()
}

func (m *Manager) pruneSessions() error {
	entries, err := os.ReadDir(m.logDir)
	if err != nil {
		return fmt.Errorf("read log dir: %w", err)
	}

	var sessions []string

	for _, entry := range entries {
		if entry.IsDir() && entry.Name() != "latest" {
			sessions = append(sessions, entry.Name())
		}
	}

	sort.Strings(sessions)

	for len(sessions) > m.maxSessions {
		_ = os.RemoveAll(filepath.Join(m.logDir, sessions[0]))
		sessions = sessions[1:]
	}

	return nil
}
