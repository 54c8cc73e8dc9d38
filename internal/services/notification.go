package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/irfndi/autopilot/internal/config"
	"github.com/irfndi/autopilot/internal/logging"
)

// Notifier delivers a message to a user through the external notification
// collaborator.
type Notifier interface {
	Send(ctx context.Context, userID, title, message string) error
}

// TelegramNotifier sends notifications through the Telegram Bot API. The
// upstream identity layer issues user ids that double as chat ids.
type TelegramNotifier struct {
	botToken string
	apiBase  string
	http     *http.Client
	logger   *logging.Logger
}

var _ Notifier = (*TelegramNotifier)(nil)

func NewTelegramNotifier(cfg config.TelegramConfig, logger *logging.Logger) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: cfg.BotToken,
		apiBase:  "https://api.telegram.org",
		http:     &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
	}
}

type telegramSendRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

func (t *TelegramNotifier) Send(ctx context.Context, userID, title, message string) error {
	payload, err := json.Marshal(telegramSendRequest{
		ChatID: userID,
		Text:   fmt.Sprintf("%s\n%s", title, message),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal telegram message: %w", err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("telegram send failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram send returned status %d", resp.StatusCode)
	}

	t.logger.Debug("notification sent", "user_id", userID, "title", title)
	return nil
}

// LogNotifier writes notifications to the log. Used when no Telegram bot
// token is configured and in tests.
type LogNotifier struct {
	logger *logging.Logger
}

var _ Notifier = (*LogNotifier)(nil)

func NewLogNotifier(logger *logging.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(_ context.Context, userID, title, message string) error {
	n.logger.Info("notification", "user_id", userID, "title", title, "message", message)
	return nil
}
