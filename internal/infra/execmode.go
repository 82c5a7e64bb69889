// Package infra implements infrastructure concerns.
package infra

import (
	"os"
	"os/user"
	"path/filepath"
)

// ExecMode represents the execution mode of the application.
type ExecMode string

const (
	// ExecModeUser runs as the logged-in user and can only hold that user's processes
	ExecModeUser ExecMode = "user"
	// ExecModeSystem runs as root and can hold any process
	ExecModeSystem ExecMode = "system"
)

// ExecModeConfig holds paths and settings based on execution mode.
type ExecModeConfig struct {
	Mode    ExecMode
	DataDir string // Where the encrypted store and key live
	LogFile string // Default daemon log file
	IsRoot  bool
}

// DetectExecMode determines the execution mode based on effective UID.
func DetectExecMode() *ExecModeConfig {
	if os.Geteuid() == 0 {
		return &ExecModeConfig{
			Mode:    ExecModeSystem,
			DataDir: "/var/lib/applock",
			LogFile: "/var/log/applock.log",
			IsRoot:  true,
		}
	}
	return userModeConfig(GetRealUserHome(), false)
}

// GetUserModeConfig returns user mode config regardless of current euid.
// Under sudo the invoking user's home directory is used.
func GetUserModeConfig() *ExecModeConfig {
	return userModeConfig(GetRealUserHome(), os.Geteuid() == 0)
}

func userModeConfig(home string, isRoot bool) *ExecModeConfig {
	dataDir := filepath.Join(home, ".applock")
	return &ExecModeConfig{
		Mode:    ExecModeUser,
		DataDir: dataDir,
		LogFile: filepath.Join(dataDir, "applock.log"),
		IsRoot:  isRoot,
	}
}

// String returns a human-readable description of the mode.
func (m ExecMode) String() string {
	switch m {
	case ExecModeSystem:
		return "system (root)"
	case ExecModeUser:
		return "user (non-root)"
	default:
		return "unknown"
	}
}

// GetRealUserHome returns the real user's home directory, even when running under sudo.
func GetRealUserHome() string {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		if u, err := user.Lookup(sudoUser); err == nil {
			return u.HomeDir
		}
	}
	home, _ := os.UserHomeDir()
	return home
}
