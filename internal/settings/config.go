package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mechcat/partsync/internal/logging"
)

// Config is the runtime configuration of the CLI and daemon.
type Config struct {
	SettingsFile string
	Policy       string
	Interval     time.Duration
	Debounce     time.Duration
	WatchRemote  bool
	ProcessLock  bool
	Driver       string

	DashboardPort int

	Log logging.Config
}

// DefaultSettingsFile is partsync-settings.toml in the user config dir.
func DefaultSettingsFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "partsync-settings.toml"
	}
	return filepath.Join(dir, "partsync", "partsync-settings.toml")
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	logDefaults := logging.DefaultConfig()

	v.SetDefault("settings_file", DefaultSettingsFile())
	v.SetDefault("policy", "last_writer_wins")
	v.SetDefault("interval", 5*time.Minute)
	v.SetDefault("debounce", 2*time.Second)
	v.SetDefault("watch_remote", true)
	v.SetDefault("process_lock", true)
	v.SetDefault("driver", "sqlite3")
	v.SetDefault("dashboard.port", 0)
	v.SetDefault("log.level", logDefaults.Level)
	v.SetDefault("log.format", logDefaults.Format)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", logDefaults.MaxSizeMB)
	v.SetDefault("log.max_backups", logDefaults.MaxBackups)
	v.SetDefault("log.max_age_days", logDefaults.MaxAgeDays)
}

// LoadConfig reads file (if non-empty), then partsync.{yaml,toml} from the
// working directory and user config dir when no file is given, then
// PARTSYNC_* environment variables. Flags bound to v win over all of them.
func LoadConfig(v *viper.Viper, file string) (Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix("PARTSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("partsync")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "partsync"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := Config{
		SettingsFile:  v.GetString("settings_file"),
		Policy:        v.GetString("policy"),
		Interval:      v.GetDuration("interval"),
		Debounce:      v.GetDuration("debounce"),
		WatchRemote:   v.GetBool("watch_remote"),
		ProcessLock:   v.GetBool("process_lock"),
		Driver:        v.GetString("driver"),
		DashboardPort: v.GetInt("dashboard.port"),
		Log: logging.Config{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			File:       v.GetString("log.file"),
			MaxSizeMB:  v.GetInt("log.max_size_mb"),
			MaxBackups: v.GetInt("log.max_backups"),
			MaxAgeDays: v.GetInt("log.max_age_days"),
		},
	}

	if cfg.Interval <= 0 {
		return cfg, fmt.Errorf("interval must be positive (got %s)", cfg.Interval)
	}
	if cfg.Debounce < 0 {
		return cfg, fmt.Errorf("debounce must not be negative (got %s)", cfg.Debounce)
	}
	return cfg, nil
}
