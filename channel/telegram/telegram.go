package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/QurzEditer/talkcody/channel"
)

// ChannelID is the adapter id used in bridge targets.
const ChannelID = "telegram"

// MaxMessageLen is the Telegram message length limit.
const MaxMessageLen = 4096

type Config struct {
	BotToken       string
	AllowedChatIDs []int64
	PollTimeout    time.Duration
}

// Adapter drives the Telegram Bot API. Outbound calls are rate limited per
// chat; inbound private-chat messages are forwarded to the bridge.
type Adapter struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	bot      *tgbotapi.BotAPI
	handler  func(channel.Inbound)
	limiters map[int64]*rate.Limiter
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(cfg Config, logger *slog.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.BotToken) == "" {
		return nil, fmt.Errorf("telegram bot_token is required")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:      cfg,
		logger:   logger,
		limiters: make(map[int64]*rate.Limiter),
	}, nil
}

func (a *Adapter) ID() string { return ChannelID }

func (a *Adapter) SetInboundHandler(handler func(channel.Inbound)) {
	a.mu.Lock()
	a.handler = handler
	a.mu.Unlock()
}

func (a *Adapter) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(a.cfg.BotToken)
	if err != nil {
		return fmt.Errorf("connecting to Telegram: %w", err)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	a.mu.Lock()
	if a.bot != nil {
		a.mu.Unlock()
		cancel()
		return fmt.Errorf("telegram adapter is already started")
	}
	a.bot = bot
	a.cancel = cancel
	a.done = done
	a.mu.Unlock()

	a.logger.Info("telegram_start", "bot_username", bot.Self.UserName, "poll_timeout", a.cfg.PollTimeout.String())

	u := tgbotapi.NewUpdate(0)
	u.Timeout = int(a.cfg.PollTimeout / time.Second)
	updates := bot.GetUpdatesChan(u)

	go func() {
		<-pollCtx.Done()
		bot.StopReceivingUpdates()
	}()
	go func() {
		defer close(done)
		for update := range updates {
			a.handleUpdate(update)
		}
		a.logger.Info("telegram_stop", "reason", "updates_channel_closed")
	}()
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	done := a.done
	a.bot = nil
	a.cancel = nil
	a.done = nil
	a.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (a *Adapter) handleUpdate(update tgbotapi.Update) {
	msg := update.Message
	if msg == nil {
		msg = update.EditedMessage
	}
	if msg == nil || msg.Chat == nil {
		return
	}
	if msg.From != nil && msg.From.IsBot {
		return
	}
	chatID := msg.Chat.ID
	if !a.chatAllowed(chatID) {
		a.logger.Warn("telegram_unauthorized_chat", "chat_id", chatID)
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	a.mu.Lock()
	handler := a.handler
	a.mu.Unlock()
	if handler == nil {
		return
	}
	sentAt := time.Unix(int64(msg.Date), 0).UTC()
	handler(channel.Inbound{
		ChannelID: ChannelID,
		ChatID:    strconv.FormatInt(chatID, 10),
		MessageID: strconv.Itoa(msg.MessageID),
		Text:      text,
		SentAt:    sentAt,
	})
}

func (a *Adapter) chatAllowed(chatID int64) bool {
	if len(a.cfg.AllowedChatIDs) == 0 {
		return true
	}
	for _, id := range a.cfg.AllowedChatIDs {
		if id == chatID {
			return true
		}
	}
	return false
}

func (a *Adapter) SendMessage(ctx context.Context, chatID, text string) (string, error) {
	bot, id, err := a.prepare(ctx, chatID)
	if err != nil {
		return "", err
	}
	parts := SplitMessage(text, MaxMessageLen)
	if len(parts) == 0 {
		return "", fmt.Errorf("telegram message text is required")
	}
	first, err := bot.Send(tgbotapi.NewMessage(id, parts[0]))
	if err != nil {
		return "", fmt.Errorf("telegram send: %w", err)
	}
	for _, part := range parts[1:] {
		if _, err := bot.Send(tgbotapi.NewMessage(id, part)); err != nil {
			return strconv.Itoa(first.MessageID), fmt.Errorf("telegram send continuation: %w", err)
		}
	}
	return strconv.Itoa(first.MessageID), nil
}

func (a *Adapter) EditMessage(ctx context.Context, chatID, messageID, text string) error {
	bot, id, err := a.prepare(ctx, chatID)
	if err != nil {
		return err
	}
	msgID, err := strconv.Atoi(strings.TrimSpace(messageID))
	if err != nil {
		return fmt.Errorf("telegram message id is invalid: %w", err)
	}
	parts := SplitMessage(text, MaxMessageLen)
	if len(parts) == 0 {
		return fmt.Errorf("telegram message text is required")
	}
	if _, err := bot.Send(tgbotapi.NewEditMessageText(id, msgID, parts[0])); err != nil {
		return fmt.Errorf("telegram edit: %w", err)
	}
	// Overflow beyond the edit window goes out as fresh messages.
	for _, part := range parts[1:] {
		if _, err := bot.Send(tgbotapi.NewMessage(id, part)); err != nil {
			return fmt.Errorf("telegram edit overflow: %w", err)
		}
	}
	return nil
}

func (a *Adapter) prepare(ctx context.Context, chatID string) (*tgbotapi.BotAPI, int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(chatID), 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("telegram chat id is invalid: %w", err)
	}
	a.mu.Lock()
	bot := a.bot
	limiter, ok := a.limiters[id]
	if !ok {
		// 1 outbound call per second per chat, burst of 5.
		limiter = rate.NewLimiter(rate.Limit(1.0), 5)
		a.limiters[id] = limiter
	}
	a.mu.Unlock()
	if bot == nil {
		return nil, 0, fmt.Errorf("telegram adapter is not started")
	}
	if err := limiter.Wait(ctx); err != nil {
		return nil, 0, err
	}
	return bot, id, nil
}

// SplitMessage splits text into chunks of at most maxLen bytes, preferring
// newline boundaries past the halfway point of a chunk.
func SplitMessage(text string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = MaxMessageLen
	}
	if text == "" {
		return nil
	}
	if len(text) <= maxLen {
		return []string{text}
	}
	var parts []string
	remaining := text
	for len(remaining) > 0 {
		if len(remaining) <= maxLen {
			parts = append(parts, remaining)
			break
		}
		chunk := remaining[:maxLen]
		splitIdx := strings.LastIndex(chunk, "\n")
		if splitIdx < maxLen/2 {
			splitIdx = safeSplitIndex(remaining, maxLen)
		} else {
			splitIdx++
		}
		parts = append(parts, remaining[:splitIdx])
		remaining = remaining[splitIdx:]
	}
	return parts
}

// safeSplitIndex backs a hard-split candidate off until the prefix is valid
// UTF-8, so a multi-byte rune is never cut in half.
func safeSplitIndex(text string, candidate int) int {
	if candidate > len(text) {
		candidate = len(text)
	}
	idx := candidate
	for idx > 1 {
		if utf8.ValidString(text[:idx]) {
			return idx
		}
		idx--
	}
	return candidate
}
