package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

var ErrEmptyToken = errors.New("remote: empty token")

// StaticToken is a fixed bearer token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// FileToken reads the bearer token from a file that an external agent keeps
// current. Refresh re-reads it after the remote API rejects the cached value.
type FileToken struct {
	path string

	mu    sync.RWMutex
	token string
}

func NewFileToken(path string) (*FileToken, error) {
	t := &FileToken{path: path}
	if err := t.Refresh(context.Background()); err != nil {
		return nil, err
	}

	return t, nil
}

func (t *FileToken) Token(context.Context) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.token, nil
}

func (t *FileToken) Refresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := os.ReadFile(t.path)
	if err != nil {
		return fmt.Errorf("failed to read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return fmt.Errorf("%w: %s", ErrEmptyToken, t.path)
	}

	t.mu.Lock()
	t.token = token
	t.mu.Unlock()

	return nil
}
