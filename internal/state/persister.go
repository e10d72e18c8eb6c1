package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nadmax/calbulk/internal/metrics"
)

type Config struct {
	Backend         string        `yaml:"backend"`
	Key             string        `yaml:"key"`
	RedisAddr       string        `yaml:"redis_addr"`
	SQLitePath      string        `yaml:"sqlite_path"`
	MinSaveInterval time.Duration `yaml:"min_save_interval"`
	MaxBytes        int           `yaml:"max_bytes"`
	StaleAfter      time.Duration `yaml:"stale_after"`
}

func DefaultConfig() Config {
	return Config{
		Backend:         "redis",
		Key:             "calbulk:coordinator_state",
		RedisAddr:       "localhost:6379",
		SQLitePath:      "calbulk.db",
		MinSaveInterval: 2 * time.Second,
		MaxBytes:        5 << 20,
		StaleAfter:      24 * time.Hour,
	}
}

// Open connects the store selected by cfg.Backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "redis":
		return NewRedisStore(ctx, cfg.RedisAddr, cfg.Key)
	case "sqlite":
		return NewSQLiteStore(cfg.SQLitePath, cfg.Key)
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
}

// SourceFunc captures the current coordinator state.
type SourceFunc func() *Snapshot

// Persister debounces snapshot writes and enforces the size budget.
type Persister struct {
	store   Store
	source  SourceFunc
	cleanup func()
	cfg     Config
	log     *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	dirty    bool
	lastSave time.Time
}

// NewPersister builds a persister. cleanup runs once when a snapshot is over
// budget, before the second attempt.
func NewPersister(store Store, source SourceFunc, cleanup func(), cfg Config, logger *slog.Logger) *Persister {
	def := DefaultConfig()
	if cfg.MinSaveInterval <= 0 {
		cfg.MinSaveInterval = def.MinSaveInterval
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = def.MaxBytes
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Persister{
		store:   store,
		source:  source,
		cleanup: cleanup,
		cfg:     cfg,
		log:     logger.With("component", "state"),
		now:     time.Now,
	}
}

// Request saves immediately unless the last save is more recent than the
// minimum interval. Deferred saves are written by Run or Flush.
func (p *Persister) Request(ctx context.Context) error {
	p.mu.Lock()
	if p.now().Sub(p.lastSave) < p.cfg.MinSaveInterval {
		p.dirty = true
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	return p.Save(ctx)
}

// Flush writes a deferred save, if any.
func (p *Persister) Flush(ctx context.Context) error {
	p.mu.Lock()
	dirty := p.dirty
	p.mu.Unlock()

	if !dirty {
		return nil
	}

	return p.Save(ctx)
}

func (p *Persister) Save(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := p.encode()
	if err != nil {
		metrics.RecordStateSave("error", 0)
		return err
	}

	if len(data) > p.cfg.MaxBytes {
		p.log.Warn("state snapshot over budget, cleaning up", "bytes", len(data), "max_bytes", p.cfg.MaxBytes)
		if p.cleanup != nil {
			p.cleanup()
		}

		if data, err = p.encode(); err != nil {
			metrics.RecordStateSave("error", 0)
			return err
		}
		if len(data) > p.cfg.MaxBytes {
			metrics.RecordStateSave("too_large", 0)
			return fmt.Errorf("%w: %d bytes, budget %d", ErrTooLarge, len(data), p.cfg.MaxBytes)
		}
	}

	if err := p.store.Save(ctx, data); err != nil {
		metrics.RecordStateSave("error", 0)
		return err
	}

	p.lastSave = p.now()
	p.dirty = false
	metrics.RecordStateSave("saved", len(data))

	return nil
}

func (p *Persister) encode() ([]byte, error) {
	s := p.source()
	s.Version = Version
	s.Timestamp = p.now()

	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}

	return data, nil
}

// Load returns the saved snapshot if it can be trusted. Incompatible, stale or
// corrupt snapshots are deleted and reported as errors so the caller starts
// empty.
func (p *Persister) Load(ctx context.Context) (*Snapshot, error) {
	data, err := p.store.Load(ctx)
	if err != nil {
		return nil, err
	}

	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		p.discard(ctx, "corrupt")
		return nil, fmt.Errorf("failed to decode state: %w", err)
	}

	if err := s.Check(p.now(), p.cfg.StaleAfter); err != nil {
		p.discard(ctx, err.Error())
		return nil, err
	}

	p.log.Info("state loaded", "version", s.Version, "saved_at", s.Timestamp, "queued", len(s.Queue), "active", len(s.Active))

	return &s, nil
}

func (p *Persister) discard(ctx context.Context, reason string) {
	p.log.Warn("discarding saved state", "reason", reason)
	if err := p.store.Delete(ctx); err != nil {
		p.log.Error("failed to delete saved state", "error", err)
	}
}

// Run flushes deferred saves every minimum interval until ctx is done.
func (p *Persister) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.MinSaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Flush(ctx); err != nil {
				p.log.Error("failed to save state", "error", err)
			}
		}
	}
}
