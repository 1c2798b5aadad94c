// Package remote talks to the RAID API server. Client satisfies the record
// store and enrichment contracts the editing engine depends on.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"raidboard/api/internal/raid"
)

// ErrEnrichmentBusy is returned when another refresh of the same record is
// already running on the server.
var ErrEnrichmentBusy = errors.New("enrichment already running")

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Named("remote")
	return c
}

func (c *Client) List(ctx context.Context, projectID string) ([]raid.Record, error) {
	var out struct {
		Items []raid.Record `json:"items"`
	}
	path := "/api/projects/" + url.PathEscape(projectID) + "/raid"
	if err := c.do(ctx, "list", http.MethodGet, path, "", nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) Get(ctx context.Context, id string) (raid.Record, error) {
	var record raid.Record
	if err := c.do(ctx, "get", http.MethodGet, itemPath(id), "", nil, &record); err != nil {
		return raid.Record{}, err
	}
	return record, nil
}

// Create sends a draft without an id; the server assigns one.
func (c *Client) Create(ctx context.Context, draft raid.Record) (raid.Record, error) {
	body := createRequest{
		Type:         draft.Type,
		Description:  draft.Description,
		OwnerLabel:   draft.OwnerLabel,
		Status:       draft.Status,
		Priority:     draft.Priority,
		Probability:  draft.Probability,
		Severity:     draft.Severity,
		DueDate:      draft.DueDate,
		ResponsePlan: draft.ResponsePlan,
	}
	var record raid.Record
	path := "/api/projects/" + url.PathEscape(draft.ProjectID) + "/raid"
	if err := c.do(ctx, "create", http.MethodPost, path, "", body, &record); err != nil {
		return raid.Record{}, err
	}
	return record, nil
}

// Patch sends p with the expected version in If-Match. A 412 comes back as
// an error wrapping raid.ErrConflict.
func (c *Client) Patch(ctx context.Context, id string, p raid.Patch, expected string) (raid.Record, error) {
	var record raid.Record
	if err := c.do(ctx, "patch", http.MethodPatch, itemPath(id), expected, p, &record); err != nil {
		return raid.Record{}, err
	}
	return record, nil
}

func (c *Client) Delete(ctx context.Context, id string, expected string) error {
	return c.do(ctx, "delete", http.MethodDelete, itemPath(id), expected, nil, nil)
}

func (c *Client) Refresh(ctx context.Context, id string) (raid.Record, error) {
	var out struct {
		Item raid.Record        `json:"item"`
		Run  raid.EnrichmentRun `json:"run"`
	}
	if err := c.do(ctx, "refresh", http.MethodPost, itemPath(id)+"/ai/refresh", "", nil, &out); err != nil {
		return raid.Record{}, err
	}
	return out.Item, nil
}

func (c *Client) History(ctx context.Context, id string) ([]raid.EnrichmentRun, error) {
	var out struct {
		Runs []raid.EnrichmentRun `json:"runs"`
	}
	if err := c.do(ctx, "history", http.MethodGet, itemPath(id)+"/ai/history", "", nil, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

type createRequest struct {
	Type         raid.Type     `json:"type"`
	Description  string        `json:"description"`
	OwnerLabel   string        `json:"owner_label"`
	Status       raid.Status   `json:"status"`
	Priority     raid.Priority `json:"priority"`
	Probability  int           `json:"probability"`
	Severity     int           `json:"severity"`
	DueDate      raid.Date     `json:"due_date"`
	ResponsePlan *string       `json:"response_plan"`
}

type errorBody struct {
	Code    string         `json:"code"`
	Error   string         `json:"error"`
	Details map[string]any `json:"details"`
}

func itemPath(id string) string {
	return "/api/raid/" + url.PathEscape(id)
}

func (c *Client) do(ctx context.Context, op, method, path, ifMatch string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &raid.RequestError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if ifMatch != "" {
		req.Header.Set("If-Match", `"`+ifMatch+`"`)
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return &raid.RequestError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	c.log.Debug("request",
		zap.String("op", op),
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(started)))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &raid.RequestError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
		return nil
	}
	return &raid.RequestError{Op: op, Status: resp.StatusCode, Err: responseError(resp)}
}

// responseError turns an error response into the client taxonomy.
func responseError(resp *http.Response) error {
	var body errorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
		if body.Error == "" {
			body.Error = http.StatusText(resp.StatusCode)
		}
	}
	switch {
	case resp.StatusCode == http.StatusPreconditionFailed || body.Code == "VERSION_CONFLICT":
		return fmt.Errorf("%s: %w", body.Error, raid.ErrConflict)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", body.Error, raid.ErrNotFound)
	case resp.StatusCode == http.StatusUnprocessableEntity || body.Code == "VALIDATION_ERROR":
		field, _ := body.Details["field"].(string)
		return &raid.ValidationError{Field: raid.Field(field), Message: body.Error}
	case body.Code == "ENRICHMENT_BUSY":
		return fmt.Errorf("%s: %w", body.Error, ErrEnrichmentBusy)
	}
	return errors.New(body.Error)
}
