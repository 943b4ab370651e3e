package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/fixer-dispatch/internal/models"
)

func TestFCMPushPostsTopicMessage(t *testing.T) {
	var got map[string]map[string]any
	var authz string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewFCMPush(srv.URL, "server-key")
	err := p.Push(context.Background(), "fixer-1", models.Event{Type: models.EventMatched, JobID: "job-1", Version: 3, Stage: models.StageEnRoute})
	require.NoError(t, err)

	assert.Equal(t, "Bearer server-key", authz)
	msg := got["message"]
	assert.Equal(t, "party-fixer-1", msg["topic"])
	data := msg["data"].(map[string]any)
	assert.Equal(t, "job.matched", data["type"])
	assert.Equal(t, "job-1", data["job_id"])
	assert.Equal(t, "3", data["version"])
}

func TestWebhookPushStripsRecord(t *testing.T) {
	var body webhookBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := NewWebhookPush(srv.URL)
	ev := models.Event{Type: models.EventCancelled, JobID: "job-2", Record: &models.JobRecord{ID: "job-2"}}
	require.NoError(t, p.Push(context.Background(), "user-1", ev))
	assert.Equal(t, "user-1", body.PartyID)
	assert.Equal(t, models.EventCancelled, body.Event.Type)
	assert.Nil(t, body.Event.Record)
}

func TestPushErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	err := NewWebhookPush(srv.URL).Push(context.Background(), "user-1", models.Event{})
	assert.Error(t, err)
	assert.False(t, errors.Is(err, models.ErrNoResponse))

	srv.Close()
	err = NewWebhookPush(srv.URL).Push(context.Background(), "user-1", models.Event{})
	assert.True(t, errors.Is(err, models.ErrNoResponse))
}
