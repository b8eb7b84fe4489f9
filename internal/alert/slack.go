package alert

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/agentoverseer/overseer/internal/config"
)

// SlackSender posts alerts to a Slack incoming webhook as Block Kit messages.
type SlackSender struct {
	webhookURL string
	channel    string
	client     *http.Client
}

// NewSlackSender creates a Slack sender.
func NewSlackSender(cfg config.SlackAlertConfig) *SlackSender {
	return &SlackSender{
		webhookURL: cfg.WebhookURL,
		channel:    cfg.Channel,
		client:     &http.Client{Timeout: deliveryTimeout},
	}
}

func (s *SlackSender) Name() string { return "slack" }

// Send posts one alert.
func (s *SlackSender) Send(a Alert) error {
	body, err := json.Marshal(slackMessage(s.channel, a))
	if err != nil {
		return fmt.Errorf("marshal slack message: %w", err)
	}
	return post(s.client, "slack", s.webhookURL, body, nil)
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackBlock struct {
	Type     string      `json:"type"`
	Text     *slackText  `json:"text,omitempty"`
	Fields   []slackText `json:"fields,omitempty"`
	Elements []slackText `json:"elements,omitempty"`
}

type slackPayload struct {
	Channel string       `json:"channel,omitempty"`
	Text    string       `json:"text"`
	Blocks  []slackBlock `json:"blocks"`
}

// slackMessage lays out an alert: a header line, the message, a field grid
// and, for human requests, the command that answers them.
func slackMessage(channel string, a Alert) slackPayload {
	headline := fmt.Sprintf("%s %s", severityMarker(a.Severity), a.Title)
	blocks := []slackBlock{
		{Type: "section", Text: &slackText{Type: "mrkdwn", Text: "*" + headline + "*"}},
	}
	if a.Message != "" {
		blocks = append(blocks, slackBlock{Type: "section", Text: &slackText{Type: "mrkdwn", Text: "```" + a.Message + "```"}})
	}

	var fields []slackText
	if a.TaskID != "" {
		fields = append(fields, slackText{Type: "mrkdwn", Text: "*Task*\n`" + a.TaskID + "`"})
	}
	if a.Tool != "" {
		fields = append(fields, slackText{Type: "mrkdwn", Text: "*Tool*\n`" + a.Tool + "`"})
	}
	if before, ok := a.Details["before"].(string); ok {
		after, _ := a.Details["after"].(string)
		fields = append(fields, slackText{Type: "mrkdwn", Text: fmt.Sprintf("*Level*\n%s → %s", before, after)})
	}
	if status, ok := a.Details["status"].(string); ok {
		fields = append(fields, slackText{Type: "mrkdwn", Text: "*Status*\n" + status})
	}
	if len(fields) > 0 {
		blocks = append(blocks, slackBlock{Type: "section", Fields: fields})
	}

	if id, ok := a.Details["request_id"].(string); ok && id != "" {
		blocks = append(blocks, slackBlock{Type: "context", Elements: []slackText{
			{Type: "mrkdwn", Text: fmt.Sprintf("Answer with `overseer respond %s approve|reject|stop|<guidance>`", id)},
		}})
	}

	return slackPayload{
		Channel: channel,
		Text:    strings.TrimSpace(headline + " " + a.TaskID),
		Blocks:  blocks,
	}
}

func severityMarker(severity string) string {
	switch severity {
	case "critical":
		return ":red_circle:"
	case "warning":
		return ":large_yellow_circle:"
	default:
		return ":large_blue_circle:"
	}
}
