package alert

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/agentoverseer/overseer/internal/config"
)

// SignatureHeader carries "t=<unix>,v1=<hex hmac>" over "<unix>.<body>".
const SignatureHeader = "X-Overseer-Signature"

// webhookEnvelope versions the payload so receivers can evolve with it.
type webhookEnvelope struct {
	Version int    `json:"version"`
	Event   string `json:"event"`
	Alert   Alert  `json:"alert"`
}

// WebhookSender posts alerts as signed JSON to an arbitrary endpoint.
type WebhookSender struct {
	url    string
	secret string
	client *http.Client
	now    func() time.Time
}

// NewWebhookSender creates a webhook sender.
func NewWebhookSender(cfg config.WebhookAlertConfig) *WebhookSender {
	return &WebhookSender{
		url:    cfg.URL,
		secret: cfg.Secret,
		client: &http.Client{Timeout: deliveryTimeout},
		now:    time.Now,
	}
}

func (w *WebhookSender) Name() string { return "webhook" }

// Send posts one alert, signed when a secret is configured.
func (w *WebhookSender) Send(a Alert) error {
	body, err := json.Marshal(webhookEnvelope{Version: 1, Event: a.Type, Alert: a})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	headers := map[string]string{"User-Agent": "overseer-alerts/1"}
	if w.secret != "" {
		headers[SignatureHeader] = Sign(w.secret, w.now(), body)
	}
	return post(w.client, "webhook", w.url, body, headers)
}

// Sign produces the signature header value for body sent at ts. Including
// the timestamp lets receivers reject replays.
func Sign(secret string, ts time.Time, body []byte) string {
	unix := strconv.FormatInt(ts.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(unix))
	mac.Write([]byte("."))
	mac.Write(body)
	return "t=" + unix + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}
