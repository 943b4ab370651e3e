package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/example/fixer-dispatch/internal/models"
)

// FCMPush posts a data message to the FCM HTTP v1 endpoint. Devices
// subscribe to the topic "party-<id>" so no token registry is needed here.
type FCMPush struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMPush(endpoint, key string) *FCMPush {
	return &FCMPush{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func TopicFor(partyID string) string { return "party-" + partyID }

func (f *FCMPush) Push(ctx context.Context, partyID string, ev models.Event) error {
	// FCM data values must be strings
	data := map[string]string{
		"type":    string(ev.Type),
		"job_id":  ev.JobID,
		"stage":   string(ev.Stage),
		"version": strconv.FormatUint(ev.Version, 10),
	}
	if ev.Reason != "" {
		data["reason"] = ev.Reason
	}
	body := map[string]any{"message": map[string]any{"topic": TopicFor(partyID), "data": data}}
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal fcm message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("build fcm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	return doPush(f.Client, req)
}
