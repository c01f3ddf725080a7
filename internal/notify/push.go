package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Pusher delivers an offer to a driver with no live session. Offers are
// fire-and-forget; a driver who never sees one simply never accepts.
type Pusher interface {
	Push(ctx context.Context, driverID, event string, payload interface{}) error
}

// HTTPPusher posts JSON to a push-provider endpoint (FCM HTTPv1 shaped).
type HTTPPusher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewHTTPPusher(endpoint, key string) *HTTPPusher {
	return &HTTPPusher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *HTTPPusher) Push(ctx context.Context, driverID, event string, payload interface{}) error {
	body := map[string]interface{}{
		"message": map[string]interface{}{
			"topic": "driver-" + driverID,
			"data":  map[string]interface{}{"event": event, "payload": payload},
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push provider status %d", resp.StatusCode)
	}
	return nil
}
