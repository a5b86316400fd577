package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/QurzEditer/talkcody/channel"
)

// ChannelID is the adapter id used in bridge targets.
const ChannelID = "socket"

const (
	opMessage = "message"
	opSend    = "send"
	opEdit    = "edit"
)

// Frame is the JSON wire format exchanged with the remote chat gateway.
type Frame struct {
	Op        string `json:"op"`
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id,omitempty"`
	Text      string `json:"text,omitempty"`
	SentAt    string `json:"sent_at,omitempty"` // RFC3339
}

func (f Frame) Validate() error {
	switch f.Op {
	case opMessage, opSend, opEdit:
	default:
		return fmt.Errorf("op must be message|send|edit")
	}
	if strings.TrimSpace(f.ChatID) == "" {
		return fmt.Errorf("chat_id is required")
	}
	if f.Op != opSend && strings.TrimSpace(f.MessageID) == "" {
		return fmt.Errorf("message_id is required")
	}
	if strings.TrimSpace(f.Text) == "" {
		return fmt.Errorf("text is required")
	}
	return nil
}

type Config struct {
	URL           string
	RedialBackoff time.Duration
}

// Adapter bridges a generic chat gateway over a WebSocket connection.
// Message ids for outbound sends are assigned locally so edits can reference
// them without a request/response round trip.
type Adapter struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	handler func(channel.Inbound)
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(cfg Config, logger *slog.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("socket url is required")
	}
	if cfg.RedialBackoff <= 0 {
		cfg.RedialBackoff = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{cfg: cfg, logger: logger}, nil
}

func (a *Adapter) ID() string { return ChannelID }

func (a *Adapter) SetInboundHandler(handler func(channel.Inbound)) {
	a.mu.Lock()
	a.handler = handler
	a.mu.Unlock()
}

func (a *Adapter) Start(ctx context.Context) error {
	conn, err := a.dial(ctx)
	if err != nil {
		return fmt.Errorf("socket dial: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	a.mu.Lock()
	if a.cancel != nil {
		a.mu.Unlock()
		cancel()
		_ = conn.Close()
		return fmt.Errorf("socket adapter is already started")
	}
	a.conn = conn
	a.cancel = cancel
	a.done = done
	a.mu.Unlock()

	a.logger.Info("socket_start", "url", a.cfg.URL)
	go a.readLoop(loopCtx, conn, done)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	conn := a.conn
	done := a.done
	a.cancel = nil
	a.conn = nil
	a.done = nil
	a.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (a *Adapter) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := *websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, a.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				a.logger.Info("socket_stop", "reason", "context_canceled")
				return
			}
			a.logger.Warn("socket_read_error", "error", err.Error())
			conn = a.redial(ctx)
			if conn == nil {
				return
			}
			continue
		}
		a.dispatch(raw)
	}
}

func (a *Adapter) redial(ctx context.Context) *websocket.Conn {
	for {
		if err := sleepWithContext(ctx, a.cfg.RedialBackoff); err != nil {
			return nil
		}
		conn, err := a.dial(ctx)
		if err != nil {
			a.logger.Warn("socket_redial_error", "error", err.Error())
			continue
		}
		a.mu.Lock()
		stopped := a.cancel == nil
		if !stopped {
			a.conn = conn
		}
		a.mu.Unlock()
		if stopped {
			_ = conn.Close()
			return nil
		}
		a.logger.Info("socket_redialed", "url", a.cfg.URL)
		return conn
	}
}

func (a *Adapter) dispatch(raw []byte) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		a.logger.Warn("socket_frame_invalid", "error", err.Error())
		return
	}
	if frame.Op != opMessage {
		a.logger.Debug("socket_frame_ignored", "op", frame.Op)
		return
	}
	if err := frame.Validate(); err != nil {
		a.logger.Warn("socket_frame_invalid", "error", err.Error())
		return
	}
	sentAt := time.Now().UTC()
	if raw := strings.TrimSpace(frame.SentAt); raw != "" {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			sentAt = parsed.UTC()
		}
	}

	a.mu.Lock()
	handler := a.handler
	a.mu.Unlock()
	if handler == nil {
		return
	}
	handler(channel.Inbound{
		ChannelID: ChannelID,
		ChatID:    frame.ChatID,
		MessageID: frame.MessageID,
		Text:      strings.TrimSpace(frame.Text),
		SentAt:    sentAt,
	})
}

func (a *Adapter) SendMessage(ctx context.Context, chatID, text string) (string, error) {
	messageID := "ws_" + uuid.NewString()
	frame := Frame{Op: opSend, ChatID: chatID, MessageID: messageID, Text: text, SentAt: time.Now().UTC().Format(time.RFC3339)}
	if err := a.writeFrame(frame); err != nil {
		return "", err
	}
	return messageID, nil
}

func (a *Adapter) EditMessage(ctx context.Context, chatID, messageID, text string) error {
	return a.writeFrame(Frame{Op: opEdit, ChatID: chatID, MessageID: messageID, Text: text, SentAt: time.Now().UTC().Format(time.RFC3339)})
}

func (a *Adapter) writeFrame(frame Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("socket adapter is not connected")
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("socket write: %w", err)
	}
	return nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
