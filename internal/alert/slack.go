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

type SlackChannel struct {
	webhookURL string
	client     *http.Client
}

func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *SlackChannel) Name() string {
	return "slack"
}

func (s *SlackChannel) Send(ctx context.Context, event core.Event) error {
	if s.webhookURL == "" {
		return nil
	}

	color := "#36a64f" // Green
	switch event.Kind {
	case core.EventSLHit:
		color = "#ff0000" // Red
	case core.EventSLMovedToBreakeven, core.EventLimitsCancelledOnTP1:
		color = "#ffcc00" // Yellow
	case core.EventPositionClosed:
		if event.PnL != nil && !event.PnL.Win {
			color = "#8b0000" // Dark Red
		}
	}

	payload := map[string]interface{}{
		"attachments": []map[string]interface{}{
			{
				"color":   color,
				"pretext": fmt.Sprintf("[%s] %s", event.Kind, event.MonitorKey),
				"text":    FormatEvent(event),
				"ts":      event.Ts.Unix(),
				"footer":  "tpsl_engine",
			},
		},
	}

	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.webhookURL, bytes.NewBuffer(jsonBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook failed with status: %d", resp.StatusCode)
	}

	return nil
}
