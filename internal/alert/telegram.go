package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"tpsl_engine/internal/core"
)

type TelegramChannel struct {
	botToken      string
	defaultChatID *int64
	client        *http.Client
}

// NewTelegramChannel delivers via the Bot API. Events route to their own
// chat_id; defaultChatID is the fallback for events without one.
func NewTelegramChannel(botToken string, defaultChatID *int64) *TelegramChannel {
	return &TelegramChannel{
		botToken:      botToken,
		defaultChatID: defaultChatID,
		client:        &http.Client{Timeout: 5 * time.Second},
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// resolveChat picks the event's own chat when set, the configured default
// otherwise. nil means there is no recipient at all.
func (t *TelegramChannel) resolveChat(event core.Event) *int64 {
	if event.ChatID != nil {
		return event.ChatID
	}
	return t.defaultChatID
}

func (t *TelegramChannel) Send(ctx context.Context, event core.Event) error {
	if t.botToken == "" {
		return nil
	}
	chatID := t.resolveChat(event)
	if chatID == nil {
		// No recipient anywhere; nothing to deliver.
		return nil
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	payload := map[string]interface{}{
		"chat_id": *chatID,
		"text":    FormatEvent(event),
	}

	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram api failed with status: %d", resp.StatusCode)
	}

	return nil
}
