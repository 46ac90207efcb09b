// Package agent drafts support replies by handing the conversation to a
// language model behind langchaingo's provider abstraction.
package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/nhle/support-agent/internal/model"
)

const systemPrompt = "You are a friendly customer support assistant. " +
	"You love the company and the product. Be casual and concise. " +
	"Sometimes conversations include past replies; use them to inform your " +
	"response but only respond to the latest email. " +
	"You only respond with markdown. " +
	"Respond with \"I'm not sure\" to anything you cannot answer confidently. " +
	"Sign off with Friendly Support Team."

const defaultMaxTokens = 1024

// Generator drafts replies with a configured model provider.
type Generator struct {
	llm       llms.Model
	maxTokens int
	log       zerolog.Logger
}

// New builds the provider named in cfg. Supported providers are openai,
// anthropic and ollama.
func New(cfg model.AgentConfig, log zerolog.Logger) (*Generator, error) {
	llm, err := newModel(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating %s model: %w", cfg.Provider, err)
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return &Generator{
		llm:       llm,
		maxTokens: maxTokens,
		log:       log.With().Str("component", "agent").Str("provider", cfg.Provider).Logger(),
	}, nil
}

func newModel(cfg model.AgentConfig) (llms.Model, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai", "":
		opts := []openai.Option{
			openai.WithToken(cfg.APIKey),
			openai.WithModel(cfg.Model),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.New(opts...)
	case "anthropic":
		return anthropic.New(
			anthropic.WithToken(cfg.APIKey),
			anthropic.WithModel(cfg.Model),
		)
	case "ollama":
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		return ollama.New(opts...)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// Generate drafts a markdown reply to the thread's latest message, with
// the earlier messages supplied as context in conversation order.
func (g *Generator) Generate(ctx context.Context, thread model.Thread) (string, error) {
	latest := thread.Latest()
	if latest == nil {
		return "", fmt.Errorf("generating reply: empty thread")
	}

	msgs := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
	}
	for i := range thread[:len(thread)-1] {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, formatEmail(&thread[i], false)))
	}
	msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, formatEmail(latest, true)))

	resp, err := g.llm.GenerateContent(ctx, msgs, llms.WithMaxTokens(g.maxTokens))
	if err != nil {
		return "", fmt.Errorf("generating reply: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("generating reply: model returned no choices")
	}

	reply := strings.TrimSpace(resp.Choices[0].Content)
	g.log.Debug().Str("subject", latest.Subject).Int("reply_len", len(reply)).Msg("reply drafted")
	return reply, nil
}

func formatEmail(m *model.Message, latest bool) string {
	var b strings.Builder
	if latest {
		b.WriteString("Please reply specifically to the following email:\n\n")
	} else {
		b.WriteString("Earlier email in this conversation:\n\n")
	}
	fmt.Fprintf(&b, "From: %s\nSubject: %s\n\n%s", m.From, m.Subject, m.Body)
	return b.String()
}

var unsurePhrases = []string{
	"not sure",
	"unsure",
	"don't know",
	"dont know",
	"do not know",
}

// Unsure reports whether the model declined to answer. Such drafts are
// never sent or shown for approval; the email stays unread for a human.
func Unsure(reply string) bool {
	lowered := strings.ToLower(reply)
	for _, phrase := range unsurePhrases {
		if strings.Contains(lowered, phrase) {
			return true
		}
	}
	return strings.TrimSpace(reply) == ""
}
