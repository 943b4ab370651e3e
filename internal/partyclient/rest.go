// Package partyclient is the party-side counterpart of the server: a REST
// client, a reconnecting channel client and the glue that keeps a read
// model current from both.
package partyclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/fixer-dispatch/internal/models"
	"github.com/example/fixer-dispatch/internal/readmodel"
)

// CredentialSource supplies the bearer credential. Refresh obtains a new
// one after the server rejected the current one.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// StaticCredentials returns the same token forever. Refresh fails.
type StaticCredentials string

func (s StaticCredentials) Token(context.Context) (string, error) { return string(s), nil }

func (s StaticCredentials) Refresh(context.Context) (string, error) {
	return "", fmt.Errorf("static credential cannot be refreshed: %w", models.ErrUnauthorized)
}

var _ readmodel.Fetcher = (*REST)(nil)

type REST struct {
	BaseURL string
	HTTP    *http.Client
	Creds   CredentialSource
	Logger  *slog.Logger
}

func NewREST(baseURL string, creds CredentialSource, logger *slog.Logger) *REST {
	if logger == nil {
		logger = slog.Default()
	}
	return &REST{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
		Creds:   creds,
		Logger:  logger,
	}
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// do sends one call. A 401 refreshes the credential and retries once; a
// transport failure retries once and then reports ErrNoResponse.
func (c *REST) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = b
	}
	tok, err := c.Creds.Token(ctx)
	if err != nil {
		return fmt.Errorf("credential: %w", models.ErrUnauthorized)
	}

	refreshed, retried := false, false
	for {
		resp, err := c.send(ctx, method, path, tok, body)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !retried {
				retried = true
				c.Logger.Debug("retrying request", slog.String("path", path), slog.Any("error", err))
				continue
			}
			return fmt.Errorf("%s %s: %w: %v", method, path, models.ErrNoResponse, err)
		}
		if resp.StatusCode == http.StatusUnauthorized {
			drain(resp)
			if refreshed {
				return fmt.Errorf("%s %s: %w", method, path, models.ErrUnauthorized)
			}
			refreshed = true
			if tok, err = c.Creds.Refresh(ctx); err != nil {
				return fmt.Errorf("refresh credential: %w", models.ErrUnauthorized)
			}
			continue
		}
		return decode(resp, out)
	}
}

func (c *REST) send(ctx context.Context, method, path, tok string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.HTTP.Do(req)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func decode(resp *http.Response, out any) error {
	defer resp.Body.Close()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 400 {
		if env.Error == nil {
			return fmt.Errorf("status %d: %w", resp.StatusCode, statusError(resp.StatusCode))
		}
		sentinel := models.ErrorForCode(env.Error.Code)
		if sentinel == nil {
			sentinel = statusError(resp.StatusCode)
		}
		return fmt.Errorf("%s: %w", env.Error.Message, sentinel)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

func statusError(status int) error {
	switch status {
	case http.StatusBadRequest:
		return models.ErrValidation
	case http.StatusNotFound:
		return models.ErrNotFound
	case http.StatusForbidden:
		return models.ErrForbidden
	case http.StatusConflict:
		return models.ErrStateConflict
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return models.ErrNoResponse
	}
	return fmt.Errorf("unexpected status %d", status)
}

func jobPath(jobID, suffix string) string {
	return "/api/v1/jobs/" + url.PathEscape(jobID) + suffix
}

func (c *REST) FindWork(ctx context.Context, loc models.Coord) (models.MatchResult, error) {
	var res models.MatchResult
	err := c.do(ctx, http.MethodPost, "/api/v1/work/find", loc, &res)
	return res, err
}

func (c *REST) CancelSearch(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/work/find", nil, nil)
}

func (c *REST) CurrentJob(ctx context.Context) (*models.JobRecord, error) {
	var rec models.JobRecord
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs/current", nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *REST) Job(ctx context.Context, jobID string) (*models.JobRecord, error) {
	return c.record(ctx, http.MethodGet, jobPath(jobID, ""), nil)
}

func (c *REST) CancelCurrent(ctx context.Context, reason string) (*models.JobRecord, error) {
	return c.record(ctx, http.MethodPost, "/api/v1/jobs/current/cancel", map[string]string{"reason": reason})
}

func (c *REST) ConfirmArrival(ctx context.Context, jobID string) (*models.JobRecord, error) {
	return c.record(ctx, http.MethodPatch, jobPath(jobID, "/arrival"), nil)
}

func (c *REST) UpdateDirections(ctx context.Context, jobID string, from models.Coord) (*models.JobRecord, error) {
	return c.record(ctx, http.MethodPatch, jobPath(jobID, "/directions"), from)
}

type locationBody struct {
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Timestamp time.Time `json:"timestamp"`
}

// PostLocation reports one position sample and returns the tracker outcome.
func (c *REST) PostLocation(ctx context.Context, jobID string, u models.LocationUpdate) (string, error) {
	var out struct {
		Outcome string `json:"outcome"`
	}
	body := locationBody{Lat: u.Coord.Lat, Lon: u.Coord.Lon, Timestamp: u.Timestamp}
	if err := c.do(ctx, http.MethodPost, jobPath(jobID, "/location"), body, &out); err != nil {
		return "", err
	}
	return out.Outcome, nil
}

type amountBody struct {
	Amount  float64 `json:"amount"`
	Details string  `json:"details"`
}

type decisionBody struct {
	Accept bool `json:"accept"`
}

func (c *REST) SubmitQuote(ctx context.Context, jobID string, amount float64, details string) (*models.JobRecord, error) {
	return c.record(ctx, http.MethodPatch, jobPath(jobID, "/quote"), amountBody{amount, details})
}

func (c *REST) DecideQuote(ctx context.Context, jobID string, accept bool) (*models.JobRecord, error) {
	return c.record(ctx, http.MethodPatch, jobPath(jobID, "/quote/decision"), decisionBody{accept})
}

func (c *REST) SubmitRevision(ctx context.Context, jobID string, amount float64, details string) (*models.JobRecord, error) {
	return c.record(ctx, http.MethodPatch, jobPath(jobID, "/revised-cost"), amountBody{amount, details})
}

func (c *REST) DecideRevision(ctx context.Context, jobID string, accept bool) (*models.JobRecord, error) {
	return c.record(ctx, http.MethodPatch, jobPath(jobID, "/revised-cost/decision"), decisionBody{accept})
}

func (c *REST) RecordWorkNotes(ctx context.Context, jobID, notes string) (*models.JobRecord, error) {
	return c.record(ctx, http.MethodPatch, jobPath(jobID, "/notes"), map[string]string{"notes": notes})
}

func (c *REST) Complete(ctx context.Context, jobID, notes string) (*models.JobRecord, error) {
	return c.record(ctx, http.MethodPatch, jobPath(jobID, "/complete"), map[string]string{"notes": notes})
}

func (c *REST) Rate(ctx context.Context, jobID string, score int) (*models.JobRecord, error) {
	return c.record(ctx, http.MethodPatch, jobPath(jobID, "/rating"), map[string]int{"rating": score})
}

func (c *REST) record(ctx context.Context, method, path string, in any) (*models.JobRecord, error) {
	var rec models.JobRecord
	if err := c.do(ctx, method, path, in, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
