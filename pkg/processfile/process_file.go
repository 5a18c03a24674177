package processfile

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-mounter/pkg/errors"
	"github.com/core-tools/hsu-mounter/pkg/logging"

	"github.com/gofrs/flock"
)

// Default application name for HSU Mounter
const DefaultAppName = "hsu-mounter"

// ProcessFileConfig holds configuration for the daemon's well-known files
// (configuration sources, log file, lock file)
type ProcessFileConfig struct {
	// Base directory for lock and log files. If empty, uses OS-appropriate default
	BaseDirectory string

	// Home directory for the per-user configuration sources. If empty, uses the user's home
	HomeDirectory string

	// Service context - affects directory selection
	ServiceContext ServiceContext

	// Application name for file and subdirectory names
	AppName string

	// Create subdirectory for the app
	UseSubdirectory bool
}

// ServiceContext defines the context in which the service runs
type ServiceContext string

const (
	// SystemService runs as a system service (daemon)
	SystemService ServiceContext = "system"

	// UserService runs as a user service
	UserService ServiceContext = "user"

	// SessionService runs as a session service (cleaned up on logout)
	SessionService ServiceContext = "session"
)

// ProcessFileManager resolves the daemon's well-known paths and guards
// against a second instance
type ProcessFileManager struct {
	config ProcessFileConfig
	logger logging.Logger
}

// NewProcessFileManager creates a new process file manager with the given configuration
func NewProcessFileManager(config ProcessFileConfig, logger logging.Logger) *ProcessFileManager {
	if config.AppName == "" {
		config.AppName = DefaultAppName
	}

	// Mounts belong to the logged in user
	if config.ServiceContext == "" {
		config.ServiceContext = UserService
	}

	return &ProcessFileManager{
		config: config,
		logger: logger,
	}
}

// ===== CONFIGURATION SOURCES =====

// DefaultConfigFile is the per-user configuration file, ~/.hsu-mounter.conf
func (m *ProcessFileManager) DefaultConfigFile() string {
	return filepath.Join(m.homeDirectory(), "."+m.config.AppName+".conf")
}

// DefaultConfigDir is the per-user configuration directory, ~/.hsu-mounter/
func (m *ProcessFileManager) DefaultConfigDir() string {
	return filepath.Join(m.homeDirectory(), "."+m.config.AppName)
}

func (m *ProcessFileManager) homeDirectory() string {
	if m.config.HomeDirectory != "" {
		return m.config.HomeDirectory
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		m.logger.Warnf("Failed to resolve home directory, using current directory: %v", err)
		if wd, err := os.Getwd(); err == nil {
			return wd
		}
		return "."
	}
	return homeDir
}

// ===== LOCK FILE =====

// GeneratePIDFilePath generates the path of the single-instance lock file
func (m *ProcessFileManager) GeneratePIDFilePath() string {
	baseDir := m.getBaseDirectory()

	if m.config.UseSubdirectory {
		baseDir = filepath.Join(baseDir, m.config.AppName)
	}

	return filepath.Join(baseDir, m.config.AppName+".pid")
}

// InstanceLock is held for the lifetime of the daemon
type InstanceLock struct {
	lock   *flock.Flock
	logger logging.Logger
}

// AcquireLock takes an exclusive lock on path, or on the default lock file
// when path is empty, and records the current PID in it. A lock held by
// another process is a conflict error.
func (m *ProcessFileManager) AcquireLock(path string) (*InstanceLock, error) {
	if path == "" {
		path = m.GeneratePIDFilePath()
	}
	m.logger.Debugf("Acquiring instance lock, path: %s", path)

	if err := ValidatePIDFileDirectory(path); err != nil {
		return nil, err
	}

	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.NewIOError("failed to acquire lock", err).WithContext("lock_file", path)
	}
	if !locked {
		pid, _ := ReadPIDFile(path)
		return nil, errors.NewConflictError("another instance is already running", nil).
			WithContext("lock_file", path).
			WithContext("pid", pid)
	}

	pidContent := fmt.Sprintf("%d\n", os.Getpid())
	if err := os.WriteFile(path, []byte(pidContent), 0644); err != nil {
		m.logger.Warnf("Failed to write PID to lock file, path: %s, error: %v", path, err)
	}

	m.logger.Infof("Instance lock acquired, pid: %d, path: %s", os.Getpid(), path)
	return &InstanceLock{lock: lock, logger: m.logger}, nil
}

// Path returns the lock file path
func (l *InstanceLock) Path() string {
	return l.lock.Path()
}

// Release unlocks and removes the lock file
func (l *InstanceLock) Release() error {
	// The file stays in place: unlinking it would let two instances lock
	// different inodes under the same path
	if err := os.Truncate(l.lock.Path(), 0); err != nil {
		l.logger.Warnf("Failed to clear lock file, path: %s, error: %v", l.lock.Path(), err)
	}
	if err := l.lock.Unlock(); err != nil {
		return errors.NewIOError("failed to release lock", err).WithContext("lock_file", l.lock.Path())
	}
	l.logger.Infof("Instance lock released, path: %s", l.lock.Path())
	return nil
}

// ReadPIDFile reads the PID recorded in a lock file
func ReadPIDFile(path string) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.NewIOError("failed to read PID file", err).WithContext("pid_file", path)
	}

	pidStr := strings.TrimSpace(string(content))
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, errors.NewValidationError("invalid PID in PID file", err).WithContext("pid_file", path).WithContext("content", pidStr)
	}
	return pid, nil
}

// ===== LOG FILE =====

// GenerateLogDirectoryPath generates the appropriate log directory path for the application
func (m *ProcessFileManager) GenerateLogDirectoryPath() string {
	baseDir := m.getLogBaseDirectory()

	if m.config.UseSubdirectory {
		return filepath.Join(baseDir, m.config.AppName)
	}
	return baseDir
}

// GenerateLogFilePath generates a complete log file path from a relative name
func (m *ProcessFileManager) GenerateLogFilePath(relative string) string {
	return filepath.Join(m.GenerateLogDirectoryPath(), relative)
}

// DefaultLogFilePath is the platform default daemon log file
func (m *ProcessFileManager) DefaultLogFilePath() string {
	return m.GenerateLogFilePath(m.config.AppName + ".log")
}

// getBaseDirectory returns the appropriate base directory for the lock file
func (m *ProcessFileManager) getBaseDirectory() string {
	if m.config.BaseDirectory != "" {
		return m.config.BaseDirectory
	}

	switch m.config.ServiceContext {
	case SystemService:
		return m.getSystemServiceDirectory()
	case SessionService:
		return m.getSessionServiceDirectory()
	default:
		return m.getUserServiceDirectory()
	}
}

// getSystemServiceDirectory returns the directory for system services
func (m *ProcessFileManager) getSystemServiceDirectory() string {
	switch runtime.GOOS {
	case "windows":
		programData := os.Getenv("PROGRAMDATA")
		if programData == "" {
			programData = "C:\\ProgramData"
		}
		return programData

	case "darwin":
		return "/var/run"

	default:
		// Modern standard is /run, with fallback to /var/run
		if _, err := os.Stat("/run"); err == nil {
			return "/run"
		}
		return "/var/run"
	}
}

// getUserServiceDirectory returns the directory for user services
func (m *ProcessFileManager) getUserServiceDirectory() string {
	switch runtime.GOOS {
	case "windows":
		return windowsLocalAppData()

	case "darwin":
		return filepath.Join(m.homeDirectory(), "Library", "Application Support")

	default:
		if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
			return runtimeDir
		}
		return os.TempDir()
	}
}

// getSessionServiceDirectory returns the directory for session services
func (m *ProcessFileManager) getSessionServiceDirectory() string {
	switch runtime.GOOS {
	case "windows", "darwin":
		return os.TempDir()

	default:
		sessionDir := fmt.Sprintf("/run/user/%d", os.Getuid())
		if _, err := os.Stat(sessionDir); err == nil {
			return sessionDir
		}
		return os.TempDir()
	}
}

// getLogBaseDirectory returns the appropriate base directory for log files
func (m *ProcessFileManager) getLogBaseDirectory() string {
	if m.config.BaseDirectory != "" {
		return filepath.Join(m.config.BaseDirectory, "logs")
	}

	switch m.config.ServiceContext {
	case SystemService:
		if runtime.GOOS == "windows" {
			return m.getSystemServiceDirectory()
		}
		return "/var/log"

	case SessionService:
		return filepath.Join(m.getSessionServiceDirectory(), "logs")

	default:
		return m.getUserLogDirectory()
	}
}

// getUserLogDirectory returns the directory for user service logs
func (m *ProcessFileManager) getUserLogDirectory() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(windowsLocalAppData(), "logs")

	case "darwin":
		// Next to the rest of the app's per-user state
		return filepath.Join(m.homeDirectory(), "Library", "Application Support")

	default:
		if stateHome := os.Getenv("XDG_STATE_HOME"); stateHome != "" {
			return stateHome
		}
		return filepath.Join(m.homeDirectory(), ".local", "state")
	}
}

func windowsLocalAppData() string {
	localAppData := os.Getenv("LOCALAPPDATA")
	if localAppData != "" {
		return localAppData
	}
	if userProfile := os.Getenv("USERPROFILE"); userProfile != "" {
		return filepath.Join(userProfile, "AppData", "Local")
	}
	return "C:\\Users\\Default\\AppData\\Local"
}

// ValidatePIDFileDirectory validates that the directory of a file exists
// (creating it if needed) and is writable
func ValidatePIDFileDirectory(pidFilePath string) error {
	dir := filepath.Dir(pidFilePath)

	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return errors.NewIOError("failed to create directory", err).WithContext("directory", dir)
			}
		} else {
			return errors.NewIOError("failed to access directory", err).WithContext("directory", dir)
		}
	} else if !info.IsDir() {
		return errors.NewValidationError("path is not a directory", nil).WithContext("path", dir)
	}

	testFile := filepath.Join(dir, ".write_test")
	if file, err := os.Create(testFile); err != nil {
		return errors.NewPermissionError("directory is not writable", err).WithContext("directory", dir)
	} else {
		file.Close()
		os.Remove(testFile)
	}

	return nil
}

// GetRecommendedProcessFileConfig returns recommended process file configuration for different deployment scenarios
func GetRecommendedProcessFileConfig(scenario string, appName string) ProcessFileConfig {
	if appName == "" {
		appName = DefaultAppName
	}

	switch strings.ToLower(scenario) {
	case "system", "daemon", "service":
		return ProcessFileConfig{
			ServiceContext:  SystemService,
			AppName:         appName,
			UseSubdirectory: true,
		}

	case "session", "desktop":
		return ProcessFileConfig{
			ServiceContext:  SessionService,
			AppName:         appName,
			UseSubdirectory: false,
		}

	case "development", "dev", "test":
		return ProcessFileConfig{
			BaseDirectory:   filepath.Join(os.TempDir(), appName+"-dev"),
			ServiceContext:  UserService,
			AppName:         appName,
			UseSubdirectory: false,
		}

	default:
		return ProcessFileConfig{
			ServiceContext:  UserService,
			AppName:         appName,
			UseSubdirectory: true,
		}
	}
}
