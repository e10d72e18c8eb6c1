package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type mockMetricsRecorder struct {
	records []metricRecord
}

type metricRecord struct {
	method   string
	endpoint string
	status   string
	duration time.Duration
}

func (m *mockMetricsRecorder) record(method, endpoint, status string, duration time.Duration) {
	m.records = append(m.records, metricRecord{
		method:   method,
		endpoint: endpoint,
		status:   status,
		duration: duration,
	})
}

func (m *mockMetricsRecorder) reset() {
	m.records = []metricRecord{}
}

var mockRecorder = &mockMetricsRecorder{}

func setupMock() func() {
	original := recordHTTPRequest
	recordHTTPRequest = func(method, endpoint, status string, duration time.Duration) {
		mockRecorder.record(method, endpoint, status, duration)
	}
	return func() { recordHTTPRequest = original }
}

func TestResponseWriter_WriteHeader(t *testing.T) {
	tests := []struct {
		name           string
		statusCode     int
		expectedStatus int
	}{
		{
			name:           "sets status code 200",
			statusCode:     http.StatusOK,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "sets status code 409",
			statusCode:     http.StatusConflict,
			expectedStatus: http.StatusConflict,
		},
		{
			name:           "sets status code 500",
			statusCode:     http.StatusInternalServerError,
			expectedStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			rw := &responseWriter{
				ResponseWriter: rec,
				statusCode:     http.StatusOK,
			}

			rw.WriteHeader(tt.statusCode)

			if rw.statusCode != tt.expectedStatus {
				t.Errorf("expected status code %d, got %d", tt.expectedStatus, rw.statusCode)
			}

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected underlying response writer status %d, got %d", tt.expectedStatus, rec.Code)
			}
		})
	}
}

func TestResponseWriter_HijackUnsupported(t *testing.T) {
	rw := &responseWriter{ResponseWriter: httptest.NewRecorder(), statusCode: http.StatusOK}

	if _, _, err := rw.Hijack(); err == nil {
		t.Error("expected an error from a recorder that cannot be hijacked")
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		expected string
	}{
		{
			name:     "operation by id",
			path:     "/api/operations/123",
			expected: "/api/operations/:id",
		},
		{
			name:     "operation with uuid",
			path:     "/api/operations/1b4e28ba-2fa1-11d2-883f-0016d3cca427",
			expected: "/api/operations/:id",
		},
		{
			name:     "operation control",
			path:     "/api/operations/abc/control",
			expected: "/api/operations/:id/control",
		},
		{
			name:     "operation with unknown nested path",
			path:     "/api/operations/abc/items",
			expected: "/api/operations/abc/items",
		},
		{
			name:     "operations list with trailing slash",
			path:     "/api/operations/",
			expected: "/api/operations/",
		},
		{
			name:     "chunk history by operation",
			path:     "/api/history/operation/101",
			expected: "/api/history/operation/:id",
		},
		{
			name:     "history by type",
			path:     "/api/history/type/copy",
			expected: "/api/history/type/:type",
		},
		{
			name:     "root path",
			path:     "/",
			expected: "/",
		},
		{
			name:     "metrics endpoint",
			path:     "/metrics",
			expected: "/metrics",
		},
		{
			name:     "operations list",
			path:     "/api/operations",
			expected: "/api/operations",
		},
		{
			name:     "queue status",
			path:     "/api/queue/status",
			expected: "/api/queue/status",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := normalizeEndpoint(tt.path)
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestMetricsMiddleware(t *testing.T) {
	cleanup := setupMock()
	defer cleanup()

	tests := []struct {
		name               string
		method             string
		path               string
		handlerStatusCode  int
		expectedEndpoint   string
		expectedStatusCode string
	}{
		{
			name:               "GET operation by id with 200",
			method:             http.MethodGet,
			path:               "/api/operations/123",
			handlerStatusCode:  http.StatusOK,
			expectedEndpoint:   "/api/operations/:id",
			expectedStatusCode: "200",
		},
		{
			name:               "POST operation with 202",
			method:             http.MethodPost,
			path:               "/api/operations",
			handlerStatusCode:  http.StatusAccepted,
			expectedEndpoint:   "/api/operations",
			expectedStatusCode: "202",
		},
		{
			name:               "POST control with 409",
			method:             http.MethodPost,
			path:               "/api/operations/999/control",
			handlerStatusCode:  http.StatusConflict,
			expectedEndpoint:   "/api/operations/:id/control",
			expectedStatusCode: "409",
		},
		{
			name:               "internal server error",
			method:             http.MethodGet,
			path:               "/api/history/type/move",
			handlerStatusCode:  http.StatusInternalServerError,
			expectedEndpoint:   "/api/history/type/:type",
			expectedStatusCode: "500",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockRecorder.reset()

			testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.handlerStatusCode)
				_, _ = w.Write([]byte("test response"))
			})

			handler := MetricsMiddleware(testHandler)
			req := httptest.NewRequest(tt.method, tt.path, nil)
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			if rec.Code != tt.handlerStatusCode {
				t.Errorf("expected status code %d, got %d", tt.handlerStatusCode, rec.Code)
			}

			if len(mockRecorder.records) != 1 {
				t.Fatalf("expected 1 metric recorded, got %d", len(mockRecorder.records))
			}

			m := mockRecorder.records[0]
			if m.method != tt.method {
				t.Errorf("expected method %q, got %q", tt.method, m.method)
			}
			if m.endpoint != tt.expectedEndpoint {
				t.Errorf("expected endpoint %q, got %q", tt.expectedEndpoint, m.endpoint)
			}
			if m.status != tt.expectedStatusCode {
				t.Errorf("expected status %q, got %q", tt.expectedStatusCode, m.status)
			}
		})
	}
}

func TestMetricsMiddleware_RecordsDuration(t *testing.T) {
	cleanup := setupMock()
	defer cleanup()

	mockRecorder.reset()
	delay := 20 * time.Millisecond

	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(delay)
		w.WriteHeader(http.StatusOK)
	})

	handler := MetricsMiddleware(testHandler)
	req := httptest.NewRequest(http.MethodGet, "/api/queue/status", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if len(mockRecorder.records) != 1 {
		t.Fatalf("expected 1 metric recorded, got %d", len(mockRecorder.records))
	}

	recorded := mockRecorder.records[0]
	if recorded.duration < delay {
		t.Errorf("expected duration >= %v, got %v", delay, recorded.duration)
	}
}
