package alert

import (
	"context"
	"fmt"

	httpclient "pricestream/pkg/http"
)

// SlackChannel posts attachments to an incoming webhook
type SlackChannel struct {
	client *httpclient.Client
	footer string
}

// NewSlackChannel posts to webhookURL. An empty URL yields a channel that
// drops every alert.
func NewSlackChannel(webhookURL, footer string) *SlackChannel {
	s := &SlackChannel{footer: footer}
	if webhookURL != "" {
		cfg := httpclient.DefaultConfig()
		cfg.MaxRetries = 2
		s.client = httpclient.NewClient(webhookURL, cfg, nil)
	}
	return s
}

func (s *SlackChannel) Name() string {
	return "slack"
}

func (s *SlackChannel) Send(ctx context.Context, alert Payload) error {
	if s.client == nil {
		return nil
	}

	color := "#36a64f" // Green (Info)
	switch alert.Level {
	case Warning:
		color = "#ffcc00"
	case Error:
		color = "#ff0000"
	case Critical:
		color = "#8b0000"
	}

	var fields []map[string]interface{}
	for k, v := range alert.Fields {
		fields = append(fields, map[string]interface{}{
			"title": k,
			"value": v,
			"short": true,
		})
	}

	payload := map[string]interface{}{
		"attachments": []map[string]interface{}{
			{
				"color":   color,
				"pretext": fmt.Sprintf("[%s] %s", alert.Level, alert.Title),
				"text":    alert.Message,
				"fields":  fields,
				"ts":      alert.Timestamp.Unix(),
				"footer":  s.footer,
			},
		},
	}

	if _, err := s.client.Post(ctx, "", payload); err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}
