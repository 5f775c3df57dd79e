package orbitd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"

	"github.com/orbitwallet/orbitd/build"
	"github.com/orbitwallet/orbitd/vault"
)

const (
	defaultConfigFilename = "orbitd.conf"
	defaultLogFilename    = "orbitd.log"
	defaultLogDirname     = "logs"
	defaultDataDirname    = "data"

	defaultLogLevel       = "info"
	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10

	defaultActiveChain = "eip155:1"
)

// DefaultOrbitDir is the default root directory for state and logs.
var DefaultOrbitDir = defaultHomeDir()

// Config holds the daemon's startup configuration.
//
//nolint:lll
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	OrbitDir   string `long:"orbitdir" description:"The base directory that contains orbitd's data and logs"`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"The directory to store orbitd's data within"`
	LogDir     string `long:"logdir" description:"Directory to log output"`

	MaxLogFiles    int `long:"maxlogfiles" description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int `long:"maxlogfilesize" description:"Maximum logfile size in MB"`

	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems"`

	ActiveChain     string `long:"activechain" description:"The CAIP-2 chain reference selected on first start"`
	VaultIterations uint32 `long:"vaultiterations" description:"PBKDF2 iteration count for sealing the vault"`
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		OrbitDir:        DefaultOrbitDir,
		ConfigFile:      filepath.Join(DefaultOrbitDir, defaultConfigFilename),
		DataDir:         filepath.Join(DefaultOrbitDir, defaultDataDirname),
		LogDir:          filepath.Join(DefaultOrbitDir, defaultLogDirname),
		MaxLogFiles:     defaultMaxLogFiles,
		MaxLogFileSize:  defaultMaxLogFileSize,
		DebugLevel:      defaultLogLevel,
		ActiveChain:     defaultActiveChain,
		VaultIterations: vault.DefaultIterations,
	}
}

// LoadConfig initializes and parses the config using a config file and
// command line options. Command line options always take precedence.
func LoadConfig() (*Config, error) {
	preCfg := DefaultConfig()
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	if preCfg.ShowVersion {
		fmt.Println(appName, "version", Version())
		os.Exit(0)
	}

	// If the orbit directory moved, everything under it moves too unless
	// overridden explicitly.
	cfg := preCfg
	if preCfg.OrbitDir != DefaultOrbitDir {
		cfg.DataDir = filepath.Join(cfg.OrbitDir, defaultDataDirname)
		cfg.LogDir = filepath.Join(cfg.OrbitDir, defaultLogDirname)
	}

	configFile := cleanAndExpandPath(cfg.ConfigFile)
	if err := flags.IniParse(configFile, &cfg); err != nil {
		// A missing config file is fine; anything else is not.
		if _, ok := err.(*os.PathError); !ok {
			return nil, err
		}
	}

	// Command line options again, so they override the file.
	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	cfg.OrbitDir = cleanAndExpandPath(cfg.OrbitDir)
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.LogDir, 0700); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validateConfig rejects values no run mode can accept.
func validateConfig(cfg *Config) error {
	if cfg.VaultIterations < vault.MinIterations {
		return fmt.Errorf("vaultiterations must be at least %d",
			vault.MinIterations)
	}
	if cfg.MaxLogFiles < 0 {
		return fmt.Errorf("maxlogfiles must not be negative")
	}
	if cfg.MaxLogFileSize <= 0 {
		return fmt.Errorf("maxlogfilesize must be positive")
	}

	return nil
}

// setupLogging builds the rotating log writer and applies the configured
// debug levels to every subsystem.
func setupLogging(cfg *Config) (*build.RotatingLogWriter,
	*build.SubLoggerManager, error) {

	logWriter := build.NewRotatingLogWriter()
	err := logWriter.InitLogRotator(
		filepath.Join(cfg.LogDir, defaultLogFilename),
		cfg.MaxLogFileSize, cfg.MaxLogFiles,
	)
	if err != nil {
		return nil, nil, err
	}

	logMgr := build.NewSubLoggerManager(logWriter)
	SetupLoggers(logMgr)

	err = build.ParseAndSetDebugLevels(cfg.DebugLevel, logMgr)
	if err != nil {
		logWriter.Close()
		return nil, nil, err
	}

	return logWriter, logMgr, nil
}

// cleanAndExpandPath expands environment variables and a leading ~.
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[1:])
		}
	}

	return filepath.Clean(os.ExpandEnv(path))
}

// defaultHomeDir picks the platform's application directory for orbitd.
func defaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".orbitd"
	}
	return filepath.Join(home, ".orbitd")
}
