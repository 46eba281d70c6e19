package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrLiveKitNotConfigured is returned when the checker has no URL.
var ErrLiveKitNotConfigured = errors.New("livekit url not configured")

// LiveKitChecker implements health checking for the LiveKit server used to
// terminate live-room participants.
type LiveKitChecker struct {
	url    string
	client *http.Client
}

// NewLiveKitChecker creates a new LiveKit health checker.
// Websocket URLs (ws://, wss://) are probed over the matching HTTP scheme.
func NewLiveKitChecker(url string) *LiveKitChecker {
	return &LiveKitChecker{
		url: httpURL(url),
		client: &http.Client{
			Timeout: 3 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}
}

func httpURL(url string) string {
	switch {
	case strings.HasPrefix(url, "wss://"):
		return "https://" + strings.TrimPrefix(url, "wss://")
	case strings.HasPrefix(url, "ws://"):
		return "http://" + strings.TrimPrefix(url, "ws://")
	}
	return url
}

// HealthCheck reports an error unless the server answers with a 2xx status.
func (l *LiveKitChecker) HealthCheck(ctx context.Context) error {
	if l.url == "" {
		return ErrLiveKitNotConfigured
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach livekit server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("livekit unhealthy: unexpected status code %d", resp.StatusCode)
	}
	return nil
}
