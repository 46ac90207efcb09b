package approval

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/nhle/support-agent/internal/model"
)

// Resolver receives the human's choice for a conversation.
type Resolver interface {
	Resolve(key model.ConversationKey, choiceID string) bool
}

// telegramHandle identifies one sent notification for later edits.
type telegramHandle struct {
	chatID    int64
	messageID int
}

// notificationState remembers how a notification was rendered so the
// callback handler can edit it with the outcome appended.
type notificationState struct {
	text      string
	parseMode string
}

// Telegram is the approval channel over the Telegram Bot API: it pushes
// draft summaries with Send / Save-as-Draft buttons into one chat and
// routes button callbacks back to the rendezvous.
type Telegram struct {
	api      *tgbotapi.BotAPI
	chatID   int64
	adminIDs []string
	log      zerolog.Logger

	mu       sync.Mutex
	resolver Resolver
	sent     map[model.ConversationKey]notificationState
}

// NewTelegram connects to the Bot API with the given token.
func NewTelegram(cfg model.TelegramConfig, log zerolog.Logger) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("connecting to Telegram: %w", err)
	}

	return &Telegram{
		api:      api,
		chatID:   cfg.ChatID,
		adminIDs: cfg.AdminIDs,
		log:      log.With().Str("component", "telegram").Logger(),
		sent:     make(map[model.ConversationKey]notificationState),
	}, nil
}

// SetResolver wires the rendezvous in after construction; the bot and
// the rendezvous reference each other.
func (t *Telegram) SetResolver(r Resolver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resolver = r
}

// Announce sends a plain status message to the chat.
func (t *Telegram) Announce(text string) error {
	_, err := t.api.Send(tgbotapi.NewMessage(t.chatID, text))
	return err
}

// Notify pushes the draft summary with the two choice buttons. The HTML
// rendering is attempted first; if Telegram rejects it the message is
// resent as plain text. The send itself is retried a few times for
// transient API failures.
func (t *Telegram) Notify(ctx context.Context, key model.ConversationKey, s Summary) (Handle, error) {
	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Send Response", ChoiceSend+":"+string(key)),
			tgbotapi.NewInlineKeyboardButtonData("Save as Draft", ChoiceSaveAsDraft+":"+string(key)),
		),
	)

	text := formatSummaryHTML(s)
	parseMode := tgbotapi.ModeHTML

	var sent tgbotapi.Message
	err := retry.Do(
		func() error {
			msg := tgbotapi.NewMessage(t.chatID, text)
			msg.ParseMode = parseMode
			msg.ReplyMarkup = keyboard

			var sendErr error
			sent, sendErr = t.api.Send(msg)
			if sendErr != nil && strings.Contains(sendErr.Error(), "can't parse entities") {
				// HTML got rejected; fall back to plain text.
				text = formatSummaryPlain(s)
				parseMode = ""
				plain := tgbotapi.NewMessage(t.chatID, text)
				plain.ReplyMarkup = keyboard
				sent, sendErr = t.api.Send(plain)
			}
			return sendErr
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			t.log.Warn().Err(err).Uint("attempt", n+1).Msg("notification send failed, retrying")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("sending approval notification: %w", err)
	}

	t.mu.Lock()
	t.sent[key] = notificationState{text: text, parseMode: parseMode}
	t.mu.Unlock()

	t.log.Info().Str("key", string(key)).Int("message_id", sent.MessageID).Msg("approval notification sent")
	return telegramHandle{chatID: sent.Chat.ID, messageID: sent.MessageID}, nil
}

// Withdraw removes the buttons from a timed-out notification.
func (t *Telegram) Withdraw(_ context.Context, h Handle) error {
	th, ok := h.(telegramHandle)
	if !ok {
		return fmt.Errorf("withdrawing notification: unexpected handle %T", h)
	}

	// An edit with no reply markup drops the buttons.
	edit := tgbotapi.EditMessageReplyMarkupConfig{
		BaseEdit: tgbotapi.BaseEdit{
			ChatID:    th.chatID,
			MessageID: th.messageID,
		},
	}
	if _, err := t.api.Request(edit); err != nil {
		return fmt.Errorf("removing notification buttons: %w", err)
	}
	return nil
}

// Run consumes bot updates until ctx is cancelled, dispatching button
// callbacks and the /start and /test commands.
func (t *Telegram) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	u.AllowedUpdates = []string{"message", "callback_query"}

	updates := t.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			t.api.StopReceivingUpdates()
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(update)
		}
	}
}

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		t.handleCallback(update.CallbackQuery)
	case update.Message != nil:
		t.handleMessage(update.Message)
	}
}

func (t *Telegram) handleCallback(cq *tgbotapi.CallbackQuery) {
	if _, err := t.api.Request(tgbotapi.NewCallback(cq.ID, "")); err != nil {
		t.log.Warn().Err(err).Msg("answering callback query failed")
	}

	choice, rawKey, ok := strings.Cut(cq.Data, ":")
	if !ok {
		t.log.Warn().Str("data", cq.Data).Msg("malformed callback data")
		return
	}

	if choice == "test" {
		t.edit(cq, "Button clicked, callbacks are working.", "")
		return
	}

	key := model.ConversationKey(rawKey)

	t.mu.Lock()
	resolver := t.resolver
	state, known := t.sent[key]
	t.mu.Unlock()

	if resolver == nil || !resolver.Resolve(key, choice) {
		t.edit(cq, "This action has expired or is no longer valid.", "")
		return
	}

	outcome := "Email saved as draft."
	if choice == ChoiceSend {
		outcome = "Email will be sent."
	}
	if known {
		t.edit(cq, state.text+"\n\n"+outcome, state.parseMode)
	} else {
		t.edit(cq, outcome, "")
	}

	t.mu.Lock()
	delete(t.sent, key)
	t.mu.Unlock()
}

func (t *Telegram) handleMessage(msg *tgbotapi.Message) {
	if msg.From != nil && !t.allowed(msg.From.ID) {
		reply := tgbotapi.NewMessage(msg.Chat.ID, "You're not authorized to use this bot.")
		if _, err := t.api.Send(reply); err != nil {
			t.log.Warn().Err(err).Msg("sending unauthorized reply failed")
		}
		return
	}

	var reply tgbotapi.MessageConfig
	switch msg.Command() {
	case "start":
		reply = tgbotapi.NewMessage(msg.Chat.ID,
			"Hello! I'll notify you about new support emails awaiting review.")
	case "test":
		reply = tgbotapi.NewMessage(msg.Chat.ID,
			"Bot is functioning. Click the button below to test callbacks.")
		reply.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Test Button", "test:ping"),
			),
		)
	default:
		reply = tgbotapi.NewMessage(msg.Chat.ID,
			"I only post email notifications. Wait for new support mail.")
	}

	if _, err := t.api.Send(reply); err != nil {
		t.log.Warn().Err(err).Msg("sending command reply failed")
	}
}

// allowed reports whether the user may interact with the bot. An empty
// allowlist admits everyone.
func (t *Telegram) allowed(userID int64) bool {
	if len(t.adminIDs) == 0 {
		return true
	}
	id := strconv.FormatInt(userID, 10)
	for _, admin := range t.adminIDs {
		if admin == id {
			return true
		}
	}
	return false
}

func (t *Telegram) edit(cq *tgbotapi.CallbackQuery, text, parseMode string) {
	if cq.Message == nil {
		return
	}
	edit := tgbotapi.NewEditMessageText(cq.Message.Chat.ID, cq.Message.MessageID, text)
	edit.ParseMode = parseMode
	if _, err := t.api.Send(edit); err != nil {
		t.log.Warn().Err(err).Msg("editing notification failed")
	}
}

func formatSummaryHTML(s Summary) string {
	esc := func(v string) string { return tgbotapi.EscapeText(tgbotapi.ModeHTML, v) }
	return fmt.Sprintf(
		"\U0001F4E7 <b>New Support Email</b>\n\n"+
			"<b>From:</b> %s\n"+
			"<b>Subject:</b> %s\n\n"+
			"<b>Message:</b>\n%s\n\n"+
			"<b>Draft Response:</b>\n%s\n\n"+
			"What would you like to do with this draft?",
		esc(s.From), esc(s.Subject), esc(s.Original), esc(s.Draft),
	)
}

func formatSummaryPlain(s Summary) string {
	return fmt.Sprintf(
		"\U0001F4E7 New Support Email\n\n"+
			"From: %s\nSubject: %s\n\n"+
			"Message:\n%s\n\n"+
			"Draft Response:\n%s\n\n"+
			"What would you like to do with this draft?",
		s.From, s.Subject, s.Original, s.Draft,
	)
}
