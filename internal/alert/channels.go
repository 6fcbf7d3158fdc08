package alert

import (
	"tpsl_engine/internal/config"
	"tpsl_engine/internal/core"
)

// BuildChannels assembles the channel list from configuration. The log
// channel is always present; ALERT_CHANNELS adds the rest.
func BuildChannels(cfg config.AlertConfig, logger core.ILogger) []core.IAlertChannel {
	channels := []core.IAlertChannel{NewLogChannel(logger)}
	for _, name := range cfg.Channels {
		switch name {
		case "log":
			// Always on, added above.
		case "telegram":
			channels = append(channels, NewTelegramChannel(string(cfg.TelegramBotToken), cfg.DefaultChatID))
		case "slack":
			channels = append(channels, NewSlackChannel(string(cfg.SlackWebhookURL)))
		}
	}
	return channels
}
