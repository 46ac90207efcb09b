package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))

	require.NoError(t, err)
	assert.Equal(t, "imap.gmail.com", cfg.Mailbox.IMAPHost)
	assert.Equal(t, "587", cfg.Mailbox.SMTPPort)
	assert.Equal(t, "openai", cfg.Agent.Provider)
	assert.Equal(t, 3600, cfg.Telegram.ApprovalTimeoutSec)
	assert.Equal(t, 30, cfg.PollIntervalSec)
}

func TestLoadConfigOverridesAndFixups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
mailbox:
  imap_host: mail.example.com
  username: agent@example.com
  address: agent@example.com
agent:
  provider: ollama
  model: llama3
poll_interval_sec: 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadConfig(path)

	require.NoError(t, err)
	assert.Equal(t, "mail.example.com", cfg.Mailbox.IMAPHost)
	assert.Equal(t, "ollama", cfg.Agent.Provider)
	assert.Equal(t, 5, cfg.PollIntervalSec)

	// Unset support address and SMTP username inherit the account values.
	assert.Equal(t, "agent@example.com", cfg.Mailbox.SupportAddress)
	assert.Equal(t, "agent@example.com", cfg.Mailbox.SMTPUsername)
}

func TestLoadConfigInvalidPollIntervalReset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("poll_interval_sec: -1\n"), 0o600))

	cfg, err := LoadConfig(path)

	require.NoError(t, err)
	assert.Equal(t, 30, cfg.PollIntervalSec)
}
