// Package errclass maps transport failures, HTTP statuses and error messages to
// a typed category with a retryability verdict, and keeps a bounded error
// history for trend analysis.
package errclass

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

type (
	Category string
	Severity string
)

const (
	NetworkError        Category = "network"
	AuthenticationError Category = "authentication"
	RateLimitError      Category = "rate_limit"
	ValidationError     Category = "validation"
	PermissionError     Category = "permission"
	QuotaError          Category = "quota"
	ServerError         Category = "server"
	UnknownError        Category = "unknown"
)

const (
	LowSeverity      Severity = "low"
	MediumSeverity   Severity = "medium"
	HighSeverity     Severity = "high"
	CriticalSeverity Severity = "critical"
)

// Categories lists every category in report order.
var Categories = []Category{
	NetworkError, AuthenticationError, RateLimitError, ValidationError,
	PermissionError, QuotaError, ServerError, UnknownError,
}

var retryCaps = map[Category]int{
	NetworkError:        5,
	AuthenticationError: 1,
	RateLimitError:      5,
	ValidationError:     0,
	PermissionError:     0,
	QuotaError:          2,
	ServerError:         3,
	UnknownError:        2,
}

// MaxRetryCap is the largest per-category retry cap.
const MaxRetryCap = 5

// RetryCap returns how many times a failure of the category may be retried.
func RetryCap(c Category) int {
	return retryCaps[c]
}

// StatusCoder is implemented by errors that carry an HTTP status code.
type StatusCoder interface {
	StatusCode() int
}

type Classification struct {
	Category       Category  `json:"category"`
	Code           string    `json:"code"`
	Message        string    `json:"message"`
	Retryable      bool      `json:"retryable"`
	RequiresReauth bool      `json:"requiresReauth,omitempty"`
	Severity       Severity  `json:"severity"`
	StatusCode     int       `json:"statusCode,omitempty"`
	Suggestions    []string  `json:"suggestions"`
	OperationID    string    `json:"operationId,omitempty"`
	ItemCount      int       `json:"itemCount,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

type Config struct {
	ServerStatuses []int
	MaxHistory     int
}

func DefaultConfig() Config {
	return Config{
		ServerStatuses: []int{
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
		MaxHistory: 1000,
	}
}

type Classifier struct {
	mu             sync.RWMutex
	serverStatuses map[int]bool
	maxHistory     int
	history        []Classification
	now            func() time.Time
}

func NewClassifier(cfg Config) *Classifier {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 1000
	}

	statuses := make(map[int]bool, len(cfg.ServerStatuses))
	for _, s := range cfg.ServerStatuses {
		statuses[s] = true
	}

	return &Classifier{
		serverStatuses: statuses,
		maxHistory:     cfg.MaxHistory,
		now:            time.Now,
	}
}

// Classify derives a classification for err without recording it.
func (c *Classifier) Classify(err error) Classification {
	if err == nil {
		return Classification{Category: UnknownError, Code: "UNKNOWN", Message: "unknown error", Retryable: true}
	}

	var sc StatusCoder
	if errors.As(err, &sc) && sc.StatusCode() > 0 {
		return c.ClassifyStatus(sc.StatusCode(), err.Error())
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return build(NetworkError, "NETWORK_ERROR", err.Error(), 0)
	}

	return ClassifyMessage(err.Error())
}

// ClassifyStatus maps an HTTP status code to a classification.
func (c *Classifier) ClassifyStatus(status int, message string) Classification {
	if message == "" {
		message = http.StatusText(status)
	}

	switch {
	case status == http.StatusUnauthorized:
		return build(AuthenticationError, "AUTH_REQUIRED", message, status)
	case status == http.StatusForbidden:
		return build(PermissionError, "FORBIDDEN", message, status)
	case status == http.StatusConflict:
		return build(ValidationError, "CONFLICT", message, status)
	case status == http.StatusTooManyRequests:
		return build(RateLimitError, "RATE_LIMITED", message, status)
	case c.serverStatuses[status]:
		return build(ServerError, fmt.Sprintf("HTTP_%d", status), message, status)
	case status >= 400 && status < 500:
		return build(ValidationError, fmt.Sprintf("HTTP_%d", status), message, status)
	case status >= 500:
		return build(ServerError, fmt.Sprintf("HTTP_%d", status), message, status)
	default:
		return build(UnknownError, fmt.Sprintf("HTTP_%d", status), message, status)
	}
}

// ClassifyMessage assigns a category from message text when no status code is
// available.
func ClassifyMessage(message string) Classification {
	lower := strings.ToLower(message)

	switch {
	case containsAny(lower, "rate limit", "ratelimit", "too many requests", "429"):
		return build(RateLimitError, "RATE_LIMITED", message, 0)
	case containsAny(lower, "quota", "usage limit", "limit exceeded"):
		return build(QuotaError, "QUOTA_EXCEEDED", message, 0)
	case containsAny(lower, "unauthorized", "unauthenticated", "invalid credentials", "token expired"):
		return build(AuthenticationError, "AUTH_REQUIRED", message, 0)
	case containsAny(lower, "forbidden", "permission", "access denied"):
		return build(PermissionError, "FORBIDDEN", message, 0)
	case containsAny(lower, "network", "timeout", "timed out", "connection", "eof", "no such host", "fetch"):
		return build(NetworkError, "NETWORK_ERROR", message, 0)
	case containsAny(lower, "invalid", "malformed", "required field"):
		return build(ValidationError, "INVALID_REQUEST", message, 0)
	default:
		return build(UnknownError, "UNKNOWN", message, 0)
	}
}

func build(category Category, code, message string, status int) Classification {
	return Classification{
		Category:       category,
		Code:           code,
		Message:        message,
		Retryable:      RetryCap(category) > 0,
		RequiresReauth: category == AuthenticationError,
		Severity:       severityOf(category),
		StatusCode:     status,
		Suggestions:    Suggestions(category),
	}
}

func severityOf(c Category) Severity {
	switch c {
	case AuthenticationError, PermissionError, QuotaError:
		return HighSeverity
	case ValidationError:
		return LowSeverity
	default:
		return MediumSeverity
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}

	return false
}

// Record appends a classification to the bounded history.
func (c *Classifier) Record(cl Classification, operationID string, itemCount int) Classification {
	cl.OperationID = operationID
	cl.ItemCount = itemCount
	if cl.Timestamp.IsZero() {
		cl.Timestamp = c.now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.history = append(c.history, cl)
	if over := len(c.history) - c.maxHistory; over > 0 {
		c.history = append([]Classification(nil), c.history[over:]...)
	}

	return cl
}

func (c *Classifier) History() []Classification {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return append([]Classification(nil), c.history...)
}

// Restore replaces the history, keeping at most the configured bound.
func (c *Classifier) Restore(history []Classification) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if over := len(history) - c.maxHistory; over > 0 {
		history = history[over:]
	}
	c.history = append([]Classification(nil), history...)
}

// Trim keeps only the most recent keep entries.
func (c *Classifier) Trim(keep int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	over := len(c.history) - keep
	if over <= 0 {
		return 0
	}
	c.history = append([]Classification(nil), c.history[over:]...)

	return over
}

func (c *Classifier) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.history)
}
