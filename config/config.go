package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const dateLayout = "2006-01-02"

// Config captures all options required to run the archiver. The core
// packages receive this already validated; none of them parse flags.
type Config struct {
	Server             string
	Port               int
	Username           string
	Password           string
	SSL                bool
	InsecureSkipVerify bool

	Folders    []string
	AllFolders bool
	StartDate  time.Time
	EndDate    time.Time
	Limit      int

	Delete      bool
	ForceDelete bool

	Compress         bool
	MaxZipSizeMB     int
	KeepUncompressed bool

	MboxExport bool

	OutputDir   string
	Concurrency int
	LogLevel    string
	LogDir      string
}

// MaxZipSizeBytes converts the configured megabyte ceiling to bytes.
func (c Config) MaxZipSizeBytes() int64 {
	return int64(c.MaxZipSizeMB) * 1024 * 1024
}

// fileConfig mirrors the YAML config file; file values act as defaults
// beneath any flag the user set explicitly.
type fileConfig struct {
	Server    string   `yaml:"server"`
	Port      int      `yaml:"port"`
	Username  string   `yaml:"username"`
	SSL       *bool    `yaml:"ssl"`
	Folders   []string `yaml:"folders"`
	OutputDir string   `yaml:"output_dir"`
	LogLevel  string   `yaml:"log_level"`
	LogDir    string   `yaml:"log_dir"`
}

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	flags.StringP("server", "s", "", "IMAP server address")
	flags.IntP("port", "p", 993, "IMAP server port (default 993 for SSL, 143 otherwise)")
	flags.StringP("username", "u", "", "Username for IMAP login")
	flags.String("password", "", "Password for IMAP login (falls back to IMAP_PASS env var)")
	flags.Bool("ssl", true, "Use an SSL/TLS connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.StringArray("folders", nil, "Folders to archive (default INBOX)")
	flags.Bool("all-folders", false, "Archive every folder on the server")
	flags.String("start-date", "", "Start of the inclusive date range (YYYY-MM-DD)")
	flags.String("end-date", "", "End of the inclusive date range (YYYY-MM-DD)")
	flags.Int("limit", 0, "Maximum messages to archive per folder (0 = unlimited)")
	flags.Bool("delete-messages", false, "Delete messages from the server after verified archiving")
	flags.Bool("force-delete", false, "Delete without asking for confirmation")
	flags.Bool("compress", false, "Repackage archived messages into zip volumes")
	flags.Int("max-zip-size", 100, "Maximum size per zip volume in MB")
	flags.Bool("keep-uncompressed", false, "Keep the uncompressed originals after packing")
	flags.Bool("mbox", false, "Also export each folder as an mbox file")
	flags.StringP("output-dir", "o", "email_archive", "Output directory for archived messages")
	flags.Int("concurrency", 1, "Number of folders to process in parallel, each on its own connection")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for log files (empty = stdout only)")
	flags.String("config", "", "Optional YAML config file supplying defaults")
	return nil
}

// LoadConfig converts the parsed Cobra flags into a Config with validation.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()

	cfg := Config{}
	var err error

	if cfg.Server, err = flags.GetString("server"); err != nil {
		return Config{}, err
	}
	if cfg.Port, err = flags.GetInt("port"); err != nil {
		return Config{}, err
	}
	if cfg.Username, err = flags.GetString("username"); err != nil {
		return Config{}, err
	}
	if cfg.Password, err = flags.GetString("password"); err != nil {
		return Config{}, err
	}
	if cfg.SSL, err = flags.GetBool("ssl"); err != nil {
		return Config{}, err
	}
	if cfg.InsecureSkipVerify, err = flags.GetBool("insecure-skip-verify"); err != nil {
		return Config{}, err
	}
	if cfg.Folders, err = flags.GetStringArray("folders"); err != nil {
		return Config{}, err
	}
	if cfg.AllFolders, err = flags.GetBool("all-folders"); err != nil {
		return Config{}, err
	}
	if cfg.Limit, err = flags.GetInt("limit"); err != nil {
		return Config{}, err
	}
	if cfg.Delete, err = flags.GetBool("delete-messages"); err != nil {
		return Config{}, err
	}
	if cfg.ForceDelete, err = flags.GetBool("force-delete"); err != nil {
		return Config{}, err
	}
	if cfg.Compress, err = flags.GetBool("compress"); err != nil {
		return Config{}, err
	}
	if cfg.MaxZipSizeMB, err = flags.GetInt("max-zip-size"); err != nil {
		return Config{}, err
	}
	if cfg.KeepUncompressed, err = flags.GetBool("keep-uncompressed"); err != nil {
		return Config{}, err
	}
	if cfg.MboxExport, err = flags.GetBool("mbox"); err != nil {
		return Config{}, err
	}
	if cfg.OutputDir, err = flags.GetString("output-dir"); err != nil {
		return Config{}, err
	}
	if cfg.Concurrency, err = flags.GetInt("concurrency"); err != nil {
		return Config{}, err
	}
	if cfg.LogLevel, err = flags.GetString("log-level"); err != nil {
		return Config{}, err
	}
	if cfg.LogDir, err = flags.GetString("log-dir"); err != nil {
		return Config{}, err
	}

	startDate, err := flags.GetString("start-date")
	if err != nil {
		return Config{}, err
	}
	endDate, err := flags.GetString("end-date")
	if err != nil {
		return Config{}, err
	}
	configFile, err := flags.GetString("config")
	if err != nil {
		return Config{}, err
	}

	if configFile != "" {
		if err := applyFile(&cfg, cmd, configFile); err != nil {
			return Config{}, err
		}
	}

	if cfg.StartDate, err = parseDate(startDate, "start-date"); err != nil {
		return Config{}, err
	}
	if cfg.EndDate, err = parseDate(endDate, "end-date"); err != nil {
		return Config{}, err
	}

	if cfg.Password == "" {
		cfg.Password = os.Getenv("IMAP_PASS")
	}

	// Mirror the conventional port split when the user left the default.
	if !cfg.SSL && !flags.Changed("port") {
		cfg.Port = 143
	}

	if len(cfg.Folders) == 0 && !cfg.AllFolders {
		cfg.Folders = []string{"INBOX"}
	}

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	cfg.OutputDir = filepath.Clean(cfg.OutputDir)

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyFile fills in YAML values for everything the user did not set on
// the command line.
func applyFile(cfg *Config, cmd *cobra.Command, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	flags := cmd.Flags()
	if !flags.Changed("server") && fc.Server != "" {
		cfg.Server = fc.Server
	}
	if !flags.Changed("port") && fc.Port != 0 {
		cfg.Port = fc.Port
	}
	if !flags.Changed("username") && fc.Username != "" {
		cfg.Username = fc.Username
	}
	if !flags.Changed("ssl") && fc.SSL != nil {
		cfg.SSL = *fc.SSL
	}
	if !flags.Changed("folders") && len(fc.Folders) > 0 {
		cfg.Folders = fc.Folders
	}
	if !flags.Changed("output-dir") && fc.OutputDir != "" {
		cfg.OutputDir = fc.OutputDir
	}
	if !flags.Changed("log-level") && fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if !flags.Changed("log-dir") && fc.LogDir != "" {
		cfg.LogDir = fc.LogDir
	}
	return nil
}

func parseDate(value, flag string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --%s %q: use YYYY-MM-DD", flag, value)
	}
	return t, nil
}

func validateConfig(cfg Config) error {
	if cfg.Server == "" {
		return fmt.Errorf("--server is required")
	}
	if cfg.Username == "" {
		return fmt.Errorf("--username is required")
	}
	if cfg.Password == "" {
		return fmt.Errorf("password must be provided via --password or IMAP_PASS env var")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("--port must be between 1 and 65535")
	}
	if !cfg.StartDate.IsZero() && !cfg.EndDate.IsZero() && cfg.StartDate.After(cfg.EndDate) {
		return fmt.Errorf("--start-date must not be after --end-date")
	}
	if cfg.Limit < 0 {
		return fmt.Errorf("--limit must not be negative")
	}
	if cfg.Compress && cfg.MaxZipSizeMB <= 0 {
		return fmt.Errorf("--max-zip-size must be positive")
	}
	if cfg.Concurrency < 1 {
		return fmt.Errorf("--concurrency must be at least 1")
	}
	if cfg.ForceDelete && !cfg.Delete {
		return fmt.Errorf("--force-delete requires --delete-messages")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}
	return nil
}
