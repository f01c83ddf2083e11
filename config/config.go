package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"proxyrouter/logger"

	"github.com/spf13/viper"
)

type DefaultPaths struct {
	ConfigDir    string
	LogPathApp   string
	LogPathProxy string
	DBPath       string
	PACPath      string
	LogLevel     string
}

type Configuration struct {
	Database struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"database"`
	Server struct {
		Port    string `mapstructure:"port"`
		LogPath string `mapstructure:"log_path"`
	} `mapstructure:"server"`
	Proxy struct {
		Port    string `mapstructure:"port"`
		LogPath string `mapstructure:"log_path"`
	} `mapstructure:"proxy"`
	Logging struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"logging"`
	KeepAlive struct {
		Interval             time.Duration `mapstructure:"interval"`
		MaxDownNotifications int           `mapstructure:"max_down_notifications"`
	} `mapstructure:"keepalive"`
	Tester struct {
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"tester"`
	PAC struct {
		Enabled    bool   `mapstructure:"enabled"`
		OutputPath string `mapstructure:"output_path"`
	} `mapstructure:"pac"`
	Settings struct {
		WatchFile string `mapstructure:"watch_file"`
	} `mapstructure:"settings"`
	Storage struct {
		DefaultMode string `mapstructure:"default_mode"`
	} `mapstructure:"storage"`
}

var AppConfig Configuration

func expandTilde(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, path[1:]), nil
}

// ExpandPath resolves a leading tilde, returning the input unchanged when
// the home directory is unknown.
func ExpandPath(path string) string {
	expanded, err := expandTilde(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not expand tilde in '%s': %v.\n", path, err)
		return path
	}
	return expanded
}

func GetDefaultConfigPaths() DefaultPaths {
	var paths DefaultPaths
	userConfigDir, err := os.UserConfigDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not get user config dir: %v. Using current directory.\n", err)
		userConfigDir = "."
	}

	paths.ConfigDir = filepath.Join(userConfigDir, "proxyrouter")
	logDir := filepath.Join(paths.ConfigDir, "logs")

	paths.LogPathApp = filepath.Join(logDir, "app.log")
	paths.LogPathProxy = filepath.Join(logDir, "proxy.log")
	paths.DBPath = filepath.Join(paths.ConfigDir, "proxyrouter.db")
	paths.PACPath = filepath.Join(paths.ConfigDir, "proxy.pac")
	paths.LogLevel = "INFO"
	return paths
}

func setDefaults(v *viper.Viper, defaults DefaultPaths) {
	v.SetDefault("database.path", defaults.DBPath)
	v.SetDefault("server.port", "8778")
	v.SetDefault("server.log_path", defaults.LogPathApp)
	v.SetDefault("proxy.port", "8777")
	v.SetDefault("proxy.log_path", defaults.LogPathProxy)
	v.SetDefault("logging.level", defaults.LogLevel)
	v.SetDefault("keepalive.interval", 15*time.Second)
	v.SetDefault("keepalive.max_down_notifications", 4)
	v.SetDefault("tester.timeout", 5*time.Second)
	v.SetDefault("pac.enabled", false)
	v.SetDefault("pac.output_path", defaults.PACPath)
	v.SetDefault("settings.watch_file", "")
	v.SetDefault("storage.default_mode", "local")
}

// Load reads configuration into a fresh Configuration without touching
// AppConfig or the global loggers.
func Load(cfgFile string) (Configuration, error) {
	var cfg Configuration
	v := viper.New()
	setDefaults(v, GetDefaultConfigPaths())

	if cfgFile != "" {
		v.SetConfigFile(ExpandPath(cfgFile))
		v.SetConfigType("yaml")
	} else {
		v.AddConfigPath(GetDefaultConfigPaths().ConfigDir)
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("PROXYROUTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || cfgFile != "" {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Configuration) {
	cfg.Database.Path = ExpandPath(cfg.Database.Path)
	cfg.Server.LogPath = ExpandPath(cfg.Server.LogPath)
	cfg.Proxy.LogPath = ExpandPath(cfg.Proxy.LogPath)
	cfg.PAC.OutputPath = ExpandPath(cfg.PAC.OutputPath)
	cfg.Settings.WatchFile = ExpandPath(cfg.Settings.WatchFile)
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)
	cfg.Storage.DefaultMode = strings.ToLower(cfg.Storage.DefaultMode)

	if cfg.KeepAlive.Interval <= 0 {
		cfg.KeepAlive.Interval = 15 * time.Second
	}
	if cfg.KeepAlive.MaxDownNotifications < 0 {
		cfg.KeepAlive.MaxDownNotifications = 0
	}
	if cfg.Tester.Timeout <= 0 {
		cfg.Tester.Timeout = 5 * time.Second
	}
	if cfg.Storage.DefaultMode != "cloud" {
		cfg.Storage.DefaultMode = "local"
	}
}

func Init(cfgFile string, flagAppLogPath, flagProxyLogPath, flagLogLevel string) error {
	cfg, err := Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL: %v\n", err)
		return err
	}

	if flagAppLogPath != "" {
		cfg.Server.LogPath = ExpandPath(flagAppLogPath)
	}
	if flagProxyLogPath != "" {
		cfg.Proxy.LogPath = ExpandPath(flagProxyLogPath)
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = strings.ToUpper(flagLogLevel)
	}

	if err := os.MkdirAll(GetDefaultConfigPaths().ConfigDir, 0750); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not create main config directory: %v\n", err)
	}

	if err := logger.InitGlobalLoggers(cfg.Server.LogPath, cfg.Proxy.LogPath, cfg.Logging.Level); err != nil {
		return fmt.Errorf("failed to initialize global loggers with final config: %w", err)
	}
	AppConfig = cfg

	if flagAppLogPath != "" || flagProxyLogPath != "" || flagLogLevel != "" {
		logger.Info("Log path/level flags may have overridden config file/defaults.")
	}
	if cfg.PAC.Enabled {
		logger.Info("PAC mode ENABLED. Script path: %s. Per-tab overrides are not available in PAC mode.", cfg.PAC.OutputPath)
	}
	if cfg.Settings.WatchFile != "" {
		logger.Info("Settings file watch configured: %s", cfg.Settings.WatchFile)
	}
	logger.Debug("Final AppConfig Initialized: %+v", AppConfig)
	return nil
}
