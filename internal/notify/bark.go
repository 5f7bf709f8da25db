package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// barkPush is the JSON body accepted by a Bark server on the device key URL.
type barkPush struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Group string `json:"group,omitempty"`
	// Level "timeSensitive" breaks through focus modes on iOS.
	Level string `json:"level,omitempty"`
}

// BarkNotifier pushes failure alerts to a Bark device URL such as
// https://api.day.app/<key>.
type BarkNotifier struct {
	endpoint string
	client   *http.Client
}

// NewBarkNotifier creates a new Bark notifier.
func NewBarkNotifier(deviceURL string) (*BarkNotifier, error) {
	deviceURL = strings.TrimSuffix(strings.TrimSpace(deviceURL), "/")
	if deviceURL == "" {
		return nil, fmt.Errorf("bark url is empty")
	}
	return &BarkNotifier{
		endpoint: deviceURL,
		client:   &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (b *BarkNotifier) Send(ctx context.Context, title, body string) error {
	payload, err := json.Marshal(barkPush{
		Title: title,
		Body:  body,
		Group: "taskerman",
		Level: "timeSensitive",
	})
	if err != nil {
		return fmt.Errorf("encode bark push: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create bark request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("send bark notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("bark api returned status: %d %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
