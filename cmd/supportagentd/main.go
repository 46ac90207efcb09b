// Command supportagentd polls a support mailbox, drafts replies with a
// language model, and routes each draft through Telegram approval
// before sending it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/rs/zerolog"

	"github.com/nhle/support-agent/internal/agent"
	"github.com/nhle/support-agent/internal/approval"
	"github.com/nhle/support-agent/internal/credential"
	"github.com/nhle/support-agent/internal/deliver"
	"github.com/nhle/support-agent/internal/mailbox"
	"github.com/nhle/support-agent/internal/model"
	"github.com/nhle/support-agent/internal/orchestrator"
	"github.com/nhle/support-agent/internal/thread"
)

func main() {
	configPath := flag.String("config", model.DefaultConfigPath(), "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "supportagentd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	resolveCredentials(cfg)
	if cfg.Mailbox.Username == "" || cfg.Mailbox.Password == "" {
		return fmt.Errorf("no mailbox credentials: set mailbox.username and mailbox.password, or the keyring/EMAIL_PASSWORD entries")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session := mailbox.NewSession(cfg.Mailbox, log)
	defer session.Close()

	// Verify the mailbox is reachable before the loop starts.
	err = retry.Do(
		func() error { return session.Probe(ctx) },
		retry.Attempts(5),
		retry.Delay(2*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().Err(err).Uint("attempt", n+1).Msg("mailbox probe failed, retrying")
		}),
	)
	if err != nil {
		return fmt.Errorf("connecting to mailbox: %w", err)
	}
	log.Info().Str("host", cfg.Mailbox.IMAPHost).Str("account", cfg.Mailbox.Address).Msg("mailbox connected")

	generator, err := agent.New(cfg.Agent, log)
	if err != nil {
		return err
	}

	approver, err := startApproval(ctx, cfg.Telegram, log)
	if err != nil {
		return err
	}

	// Each delivery sequence gets its own SMTP session, so concurrent
	// handling tasks never interleave on one connection.
	newSender := func() deliver.Sender {
		return mailbox.NewSMTPSender(cfg.Mailbox, log)
	}

	orch := orchestrator.New(
		session,
		thread.New(session, log),
		generator,
		approver,
		deliver.New(newSender, log),
		cfg.Mailbox.Address,
		time.Duration(cfg.PollIntervalSec)*time.Second,
		log,
	)
	return orch.Run(ctx)
}

// startApproval brings up the Telegram channel and its rendezvous when a
// token and chat are configured; otherwise approval is skipped and
// replies go out directly.
func startApproval(ctx context.Context, cfg model.TelegramConfig, log zerolog.Logger) (orchestrator.Approver, error) {
	if cfg.Token == "" || cfg.ChatID == 0 {
		log.Warn().Msg("telegram not configured, replies will be sent without review")
		return nil, nil
	}

	channel, err := approval.NewTelegram(cfg, log)
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(cfg.ApprovalTimeoutSec) * time.Second
	rendezvous := approval.New(channel, timeout, log)
	channel.SetResolver(rendezvous)

	go func() {
		if err := channel.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("telegram update loop stopped")
		}
	}()

	if err := channel.Announce("Support agent started, watching for new emails."); err != nil {
		log.Warn().Err(err).Msg("startup announcement failed")
	}

	return rendezvous, nil
}

// resolveCredentials fills secrets left out of the config file from the
// system keyring and the environment.
func resolveCredentials(cfg *model.AppConfig) {
	cfg.Mailbox.Password = credential.Resolve("email-password", cfg.Mailbox.Password, "EMAIL_PASSWORD")
	cfg.Mailbox.SMTPPassword = credential.Resolve("smtp-password", cfg.Mailbox.SMTPPassword, "SMTP_PASSWORD")
	if cfg.Mailbox.SMTPPassword == "" {
		cfg.Mailbox.SMTPPassword = cfg.Mailbox.Password
	}
	cfg.Agent.APIKey = credential.Resolve("agent-api-key", cfg.Agent.APIKey, "OPENAI_API_KEY")
	cfg.Telegram.Token = credential.Resolve("telegram-token", cfg.Telegram.Token, "TELEGRAM_BOT_TOKEN")
}

func newLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("parsing log level %q: %w", level, err)
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger(), nil
}
