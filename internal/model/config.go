package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// MailboxConfig holds the IMAP/SMTP settings for the support mailbox.
type MailboxConfig struct {
	IMAPHost string `mapstructure:"imap_host" yaml:"imap_host"`
	IMAPPort string `mapstructure:"imap_port" yaml:"imap_port"`
	SMTPHost string `mapstructure:"smtp_host" yaml:"smtp_host"`
	SMTPPort string `mapstructure:"smtp_port" yaml:"smtp_port"`

	// Username and Password authenticate both sessions. SMTPUsername and
	// SMTPPassword override them for providers with split credentials.
	Username     string `mapstructure:"username" yaml:"username"`
	Password     string `mapstructure:"password" yaml:"password"`
	SMTPUsername string `mapstructure:"smtp_username" yaml:"smtp_username"`
	SMTPPassword string `mapstructure:"smtp_password" yaml:"smtp_password"`

	// Address is the account address; SupportAddress is the address
	// customers write to (defaults to Address).
	Address        string `mapstructure:"address" yaml:"address"`
	SupportAddress string `mapstructure:"support_address" yaml:"support_address"`

	// TLS selects implicit TLS; when false, STARTTLS is used.
	TLS bool `mapstructure:"tls" yaml:"tls"`

	DraftsFolder string `mapstructure:"drafts_folder" yaml:"drafts_folder"`
}

// AgentConfig holds settings for the reply-generation model.
type AgentConfig struct {
	// Provider is one of "openai", "anthropic", "ollama".
	Provider  string `mapstructure:"provider" yaml:"provider"`
	Model     string `mapstructure:"model" yaml:"model"`
	APIKey    string `mapstructure:"api_key" yaml:"api_key"`
	BaseURL   string `mapstructure:"base_url" yaml:"base_url"`
	MaxTokens int    `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// TelegramConfig holds the approval channel settings. An empty Token
// disables the channel and replies are sent without human review.
type TelegramConfig struct {
	Token    string   `mapstructure:"token" yaml:"token"`
	ChatID   int64    `mapstructure:"chat_id" yaml:"chat_id"`
	AdminIDs []string `mapstructure:"admin_ids" yaml:"admin_ids"`

	// ApprovalTimeoutSec bounds the wait for a human decision; on
	// expiry the draft is saved instead of sent.
	ApprovalTimeoutSec int `mapstructure:"approval_timeout_sec" yaml:"approval_timeout_sec"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Mailbox  MailboxConfig  `mapstructure:"mailbox" yaml:"mailbox"`
	Agent    AgentConfig    `mapstructure:"agent" yaml:"agent"`
	Telegram TelegramConfig `mapstructure:"telegram" yaml:"telegram"`

	PollIntervalSec int    `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
	LogLevel        string `mapstructure:"log_level" yaml:"log_level"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/support-agent/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "support-agent", "config.yaml")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		Mailbox: MailboxConfig{
			IMAPHost:     "imap.gmail.com",
			IMAPPort:     "993",
			SMTPHost:     "smtp.gmail.com",
			SMTPPort:     "587",
			TLS:          true,
			DraftsFolder: "[Gmail]/Drafts",
		},
		Agent: AgentConfig{
			Provider:  "openai",
			Model:     "gpt-4o",
			MaxTokens: 1024,
		},
		Telegram: TelegramConfig{
			ApprovalTimeoutSec: 3600,
		},
		PollIntervalSec: 30,
		LogLevel:        "info",
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Set defaults so missing keys resolve to sensible values.
	v.SetDefault("mailbox.imap_host", "imap.gmail.com")
	v.SetDefault("mailbox.imap_port", "993")
	v.SetDefault("mailbox.smtp_host", "smtp.gmail.com")
	v.SetDefault("mailbox.smtp_port", "587")
	v.SetDefault("mailbox.tls", true)
	v.SetDefault("mailbox.drafts_folder", "[Gmail]/Drafts")
	v.SetDefault("agent.provider", "openai")
	v.SetDefault("agent.model", "gpt-4o")
	v.SetDefault("agent.max_tokens", 1024)
	v.SetDefault("telegram.approval_timeout_sec", 3600)
	v.SetDefault("poll_interval_sec", 30)
	v.SetDefault("log_level", "info")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultAppConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultAppConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.Mailbox.SupportAddress == "" {
		cfg.Mailbox.SupportAddress = cfg.Mailbox.Address
	}
	if cfg.Mailbox.SMTPUsername == "" {
		cfg.Mailbox.SMTPUsername = cfg.Mailbox.Username
	}
	if cfg.PollIntervalSec <= 0 {
		cfg.PollIntervalSec = 30
	}

	return cfg, nil
}
