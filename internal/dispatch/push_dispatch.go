package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/fixer-dispatch/internal/models"
)

// WebhookPush posts events to a notification backend that owns device
// registrations.
type WebhookPush struct {
	Endpoint string
	Client   *http.Client
}

func NewWebhookPush(endpoint string) *WebhookPush {
	return &WebhookPush{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

type webhookBody struct {
	PartyID string       `json:"party_id"`
	Event   models.Event `json:"event"`
}

func (p *WebhookPush) Push(ctx context.Context, partyID string, ev models.Event) error {
	ev.Record = nil
	b, err := json.Marshal(webhookBody{PartyID: partyID, Event: ev})
	if err != nil {
		return fmt.Errorf("marshal push: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return doPush(p.Client, req)
}

func doPush(c *http.Client, req *http.Request) error {
	resp, err := c.Do(req)
	if err != nil {
		return fmt.Errorf("push: %w: %v", models.ErrNoResponse, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push rejected with status %d", resp.StatusCode)
	}
	return nil
}
