package alert

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	deliveryTimeout  = 10 * time.Second
	deliveryAttempts = 3
)

// statusError is a non-2xx reply from an alert endpoint.
type statusError struct {
	endpoint string
	code     int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s returned %d", e.endpoint, e.code)
}

// post delivers body to url, retrying transport errors, 429 and 5xx with
// exponential backoff. Other 4xx replies fail immediately.
func post(client *http.Client, endpoint, url string, body []byte, headers map[string]string) error {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout*deliveryAttempts)
	defer cancel()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		_ = resp.Body.Close()
		switch {
		case resp.StatusCode < 300:
			return struct{}{}, nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return struct{}{}, &statusError{endpoint: endpoint, code: resp.StatusCode}
		default:
			return struct{}{}, backoff.Permanent(&statusError{endpoint: endpoint, code: resp.StatusCode})
		}
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(deliveryAttempts),
	)
	return err
}
