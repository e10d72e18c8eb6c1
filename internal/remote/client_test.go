package remote

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readBatch parses an incoming batch request into its sub-requests.
func readBatch(t *testing.T, r *http.Request) []*http.Request {
	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	require.NoError(t, err)

	var reqs []*http.Request
	mr := multipart.NewReader(r.Body, params["boundary"])
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, "application/http", part.Header.Get("Content-Type"))

		sub, err := http.ReadRequest(bufio.NewReader(part))
		require.NoError(t, err)
		reqs = append(reqs, sub)
	}

	return reqs
}

// writeBatch writes statuses as a multipart response, last item first.
func writeBatch(t *testing.T, w http.ResponseWriter, statuses []int) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	for i := len(statuses) - 1; i >= 0; i-- {
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type": {"application/http"},
			"Content-ID":   {fmt.Sprintf("<response-item-%d>", i)},
		})
		require.NoError(t, err)

		body := fmt.Sprintf(`{"id":"evt-%d"}`, i)
		if statuses[i] >= 400 {
			body = fmt.Sprintf(`{"error":{"message":"item %d rejected"}}`, i)
		}
		_, err = fmt.Fprintf(part, "HTTP/1.1 %d %s\r\nContent-Type: application/json\r\nContent-Length: %d\r\n\r\n%s",
			statuses[i], http.StatusText(statuses[i]), len(body), body)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	w.Header().Set("Content-Type", "multipart/mixed; boundary="+mw.Boundary())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func TestDo_PreservesSubmissionOrder(t *testing.T) {
	var got []*http.Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		got = readBatch(t, r)
		w.Header().Set("X-RateLimit-Remaining", "42")
		writeBatch(t, w, []int{200, 404, 200})
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client(), StaticToken("secret"), nil)
	resp, err := client.Do(context.Background(), []SubRequest{
		{Method: http.MethodPost, URL: "/calendars/primary/events", Body: map[string]any{"summary": "a"}},
		{Method: http.MethodDelete, URL: "/calendars/primary/events/b"},
		{Method: http.MethodPatch, URL: "/calendars/primary/events/c", Body: map[string]any{"summary": "c"}},
	})
	require.NoError(t, err)

	require.Len(t, got, 3)
	assert.Equal(t, http.MethodPost, got[0].Method)
	assert.Equal(t, "/calendars/primary/events/b", got[1].URL.Path)

	require.Len(t, resp.Results, 3)
	assert.Equal(t, 200, resp.Results[0].StatusCode)
	assert.Equal(t, 404, resp.Results[1].StatusCode)
	assert.Equal(t, "item 1 rejected", resp.Results[1].Message())
	assert.JSONEq(t, `{"id":"evt-2"}`, string(resp.Results[2].Body))
	assert.True(t, resp.Quota.HasRemaining)
	assert.Equal(t, 42, resp.Quota.Remaining)
}

func TestDo_EnvelopeRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"Rate Limit Exceeded"}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, server.Client(), nil, nil)
	_, err := client.Do(context.Background(), []SubRequest{{Method: http.MethodGet, URL: "/x"}})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode())
	assert.Equal(t, "Rate Limit Exceeded", apiErr.Message)
	assert.Equal(t, 3*time.Second, apiErr.Quota.RetryAfter)
}

func TestDo_BatchLimits(t *testing.T) {
	client := NewClient("http://127.0.0.1:0", nil, nil, nil)

	_, err := client.Do(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)

	_, err = client.Do(context.Background(), make([]SubRequest, MaxBatchSize+1))
	assert.ErrorIs(t, err, ErrBatchTooLarge)
}

func TestDecodeBatch_MissingPartsStayEmpty(t *testing.T) {
	rec := httptest.NewRecorder()
	writeBatch(t, rec, []int{201})

	results, err := DecodeBatch(rec.Header().Get("Content-Type"), rec.Body, 2)
	require.NoError(t, err)

	assert.Equal(t, 201, results[0].StatusCode)
	assert.Equal(t, 0, results[1].StatusCode)
	assert.Equal(t, "missing sub-response", results[1].Message())
}

func TestDecodeBatch_RejectsNonMultipart(t *testing.T) {
	_, err := DecodeBatch("application/json", bytes.NewReader(nil), 1)

	assert.Error(t, err)
}

func TestParseQuota(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "10")
	h.Set("X-RateLimit-Remaining", "0")
	h.Set("X-RateLimit-Reset", "1.5")

	q := ParseQuota(h)

	assert.Equal(t, 10*time.Second, q.RetryAfter)
	assert.True(t, q.HasRemaining)
	assert.Equal(t, 0, q.Remaining)
	assert.Equal(t, 1500*time.Millisecond, q.ResetAfter)
}

func TestParseQuota_ResetAsUnixTime(t *testing.T) {
	tests := []struct {
		name     string
		reset    string
		expected time.Duration
	}{
		{name: "future timestamp", reset: strconv.FormatInt(time.Now().Add(30*time.Second).Unix(), 10), expected: 30 * time.Second},
		{name: "past timestamp", reset: strconv.FormatInt(time.Now().Add(-time.Minute).Unix(), 10), expected: 0},
		{name: "delta seconds", reset: "60", expected: time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			h.Set("X-RateLimit-Remaining", "5")
			h.Set("X-RateLimit-Reset", tt.reset)

			q := ParseQuota(h)

			assert.InDelta(t, tt.expected.Seconds(), q.ResetAfter.Seconds(), 1.5)
		})
	}
}
