// Package remote issues batched calls against the calendar API. One HTTP
// request carries up to MaxBatchSize sub-requests in a multipart/mixed
// envelope; the response is split back into one result per sub-request in
// submission order.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

const MaxBatchSize = 1000

var (
	ErrEmptyBatch    = errors.New("remote: empty batch")
	ErrBatchTooLarge = fmt.Errorf("remote: batch exceeds %d sub-requests", MaxBatchSize)
)

type SubRequest struct {
	Method string
	URL    string
	Body   any
}

type SubResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r SubResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Message extracts a human-readable error from a JSON error body, falling
// back to the raw body.
func (r SubResponse) Message() string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(r.Body, &payload); err == nil && payload.Error.Message != "" {
		return payload.Error.Message
	}
	if len(r.Body) > 0 {
		return strings.TrimSpace(string(r.Body))
	}
	if r.StatusCode == 0 {
		return "missing sub-response"
	}

	return http.StatusText(r.StatusCode)
}

// Quota holds the rate signals a response may carry.
type Quota struct {
	RetryAfter   time.Duration
	Remaining    int
	HasRemaining bool
	ResetAfter   time.Duration
}

type BatchResponse struct {
	Results []SubResponse
	Quota   Quota
}

// APIError is returned when the batch envelope itself is rejected.
type APIError struct {
	Status  int
	Message string
	Quota   Quota
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote batch call failed with status %d: %s", e.Status, e.Message)
}

func (e *APIError) StatusCode() int {
	return e.Status
}

// TokenSource supplies bearer tokens. A nil source sends no Authorization
// header.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type Client struct {
	endpoint   string
	httpClient *http.Client
	tokens     TokenSource
	log        *slog.Logger
}

func NewClient(endpoint string, httpClient *http.Client, tokens TokenSource, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		endpoint:   endpoint,
		httpClient: httpClient,
		tokens:     tokens,
		log:        logger.With("component", "remote"),
	}
}

// Do sends reqs as a single batch call.
func (c *Client) Do(ctx context.Context, reqs []SubRequest) (*BatchResponse, error) {
	if len(reqs) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(reqs) > MaxBatchSize {
		return nil, ErrBatchTooLarge
	}

	body, contentType, err := EncodeBatch(reqs)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build batch request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get access token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("batch request failed: %w", err)
	}

	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.log.Warn("failed to close batch response body", "error", err)
		}
	}()

	quota := ParseQuota(resp.Header)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{
			Status:  resp.StatusCode,
			Message: SubResponse{StatusCode: resp.StatusCode, Body: msg}.Message(),
			Quota:   quota,
		}
	}

	results, err := DecodeBatch(resp.Header.Get("Content-Type"), resp.Body, len(reqs))
	if err != nil {
		return nil, err
	}

	return &BatchResponse{Results: results, Quota: quota}, nil
}

// EncodeBatch renders sub-requests as a multipart/mixed body. Each part holds
// one HTTP request and is tagged with its submission index.
func EncodeBatch(reqs []SubRequest) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for i, r := range reqs {
		part, err := w.CreatePart(textproto.MIMEHeader{
			"Content-Type": {"application/http"},
			"Content-ID":   {fmt.Sprintf("<item-%d>", i)},
		})
		if err != nil {
			return nil, "", fmt.Errorf("failed to create batch part: %w", err)
		}

		if _, err := fmt.Fprintf(part, "%s %s HTTP/1.1\r\n", r.Method, r.URL); err != nil {
			return nil, "", err
		}

		if r.Body == nil {
			if _, err := io.WriteString(part, "\r\n"); err != nil {
				return nil, "", err
			}
			continue
		}

		payload, err := json.Marshal(r.Body)
		if err != nil {
			return nil, "", fmt.Errorf("failed to marshal sub-request %d: %w", i, err)
		}
		if _, err := fmt.Fprintf(part, "Content-Type: application/json\r\nContent-Length: %d\r\n\r\n", len(payload)); err != nil {
			return nil, "", err
		}
		if _, err := part.Write(payload); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}

	return buf.Bytes(), "multipart/mixed; boundary=" + w.Boundary(), nil
}

// X-RateLimit-Reset values at or above epochResetThreshold are Unix times.
const epochResetThreshold = 1e9

// ParseQuota reads Retry-After and X-RateLimit-* headers. X-RateLimit-Reset is
// accepted as either seconds until reset or the Unix time of the reset.
func ParseQuota(h http.Header) Quota {
	var q Quota

	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			q.RetryAfter = time.Duration(secs) * time.Second
		} else if at, err := http.ParseTime(v); err == nil {
			if d := time.Until(at); d > 0 {
				q.RetryAfter = d
			}
		}
	}

	if v := h.Get("X-RateLimit-Remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			q.Remaining = n
			q.HasRemaining = true
		}
	}

	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			if secs >= epochResetThreshold {
				if d := time.Until(time.Unix(int64(secs), 0)); d > 0 {
					q.ResetAfter = d
				}
			} else {
				q.ResetAfter = time.Duration(secs * float64(time.Second))
			}
		}
	}

	return q
}
