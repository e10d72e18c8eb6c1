// Package broadcast fans coordinator events out to subscribers. Events are
// buffered per subscriber and delivered as one batch per throttle tick,
// highest priority first.
package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nadmax/calbulk/internal/message"
	"github.com/nadmax/calbulk/internal/metrics"
)

var ErrUnknownSubscriber = errors.New("unknown subscriber")

// Conn is the outgoing side of a subscriber connection.
type Conn interface {
	Send(b message.Batch) error
	Close() error
}

type Config struct {
	Throttle  time.Duration `yaml:"throttle"`
	MaxBuffer int           `yaml:"max_buffer"`
}

func DefaultConfig() Config {
	return Config{
		Throttle:  100 * time.Millisecond,
		MaxBuffer: 500,
	}
}

type subscriber struct {
	conn Conn
	all  bool
	ids  map[string]struct{}
	buf  []message.Event
}

// wants reports whether ev passes the subscription filter. Events that are not
// tied to an operation go to everyone.
func (s *subscriber) wants(ev message.Event) bool {
	if s.all || ev.OperationID == "" {
		return true
	}
	_, ok := s.ids[ev.OperationID]
	return ok
}

// push buffers ev. A newer progress update for the same operation replaces
// the buffered one.
func (s *subscriber) push(ev message.Event, limit int) {
	if ev.Type == message.ProgressUpdate {
		for i, old := range s.buf {
			if old.Type == message.ProgressUpdate && old.OperationID == ev.OperationID {
				s.buf = append(s.buf[:i], s.buf[i+1:]...)
				break
			}
		}
	}
	s.buf = append(s.buf, ev)
	if over := len(s.buf) - limit; over > 0 {
		s.buf = s.buf[over:]
	}
}

type Broadcaster struct {
	mu   sync.Mutex
	cfg  Config
	subs map[string]*subscriber
	seq  uint64
	log  *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Broadcaster {
	def := DefaultConfig()
	if cfg.Throttle <= 0 {
		cfg.Throttle = def.Throttle
	}
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = def.MaxBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Broadcaster{
		cfg:  cfg,
		subs: make(map[string]*subscriber),
		log:  logger.With("component", "broadcast"),
	}
}

// Add registers conn subscribed to all operations and returns its id.
func (b *Broadcaster) Add(conn Conn) string {
	id := uuid.New().String()

	b.mu.Lock()
	b.subs[id] = &subscriber{conn: conn, all: true, ids: make(map[string]struct{})}
	n := len(b.subs)
	b.mu.Unlock()

	metrics.UpdateSubscribers(n)
	b.log.Debug("subscriber added", "subscriber_id", id, "subscribers", n)

	return id
}

// Remove drops a subscriber and its buffered events.
func (b *Broadcaster) Remove(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	delete(b.subs, id)
	n := len(b.subs)
	b.mu.Unlock()

	if !ok {
		return
	}
	_ = sub.conn.Close()
	metrics.UpdateSubscribers(n)
	b.log.Debug("subscriber removed", "subscriber_id", id, "subscribers", n)
}

// Subscribe narrows the filter to the given operations, or widens it to all
// operations when ids is empty.
func (b *Broadcaster) Subscribe(id string, ids []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return ErrUnknownSubscriber
	}

	if len(ids) == 0 {
		sub.all = true
		clear(sub.ids)
		return nil
	}

	sub.all = false
	for _, opID := range ids {
		sub.ids[opID] = struct{}{}
	}

	return nil
}

// Unsubscribe removes operations from the filter. With no ids the subscriber
// only keeps receiving events that are not tied to an operation.
func (b *Broadcaster) Unsubscribe(id string, ids []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return ErrUnknownSubscriber
	}

	sub.all = false
	if len(ids) == 0 {
		clear(sub.ids)
		return nil
	}
	for _, opID := range ids {
		delete(sub.ids, opID)
	}

	return nil
}

// Publish stamps ev with the next sequence number and buffers it for every
// matching subscriber.
func (b *Broadcaster) Publish(ev message.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	ev.Seq = b.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	for _, sub := range b.subs {
		if sub.wants(ev) {
			sub.push(ev, b.cfg.MaxBuffer)
		}
	}
}

type pending struct {
	id    string
	conn  Conn
	batch message.Batch
}

// Flush sends each non-empty buffer as one batch ordered by message priority,
// then sequence. Subscribers whose send fails are removed.
func (b *Broadcaster) Flush() {
	b.mu.Lock()
	out := make([]pending, 0, len(b.subs))
	for id, sub := range b.subs {
		if len(sub.buf) == 0 {
			continue
		}
		events := sub.buf
		sub.buf = nil
		sort.SliceStable(events, func(i, j int) bool {
			pi, pj := events[i].Type.Priority(), events[j].Type.Priority()
			if pi != pj {
				return pi > pj
			}
			return events[i].Seq < events[j].Seq
		})
		out = append(out, pending{id: id, conn: sub.conn, batch: message.NewBatch(events)})
	}
	b.mu.Unlock()

	for _, p := range out {
		if err := p.conn.Send(p.batch); err != nil {
			b.log.Info("dropping subscriber", "subscriber_id", p.id, "error", err)
			b.Remove(p.id)
			continue
		}
		metrics.RecordBroadcastBatch(len(p.batch.Messages))
	}
}

func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.subs)
}

// Run flushes on every throttle tick until ctx is done, then closes all
// subscribers.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.Throttle)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.Flush()
			b.closeAll()
			return
		case <-ticker.C:
			b.Flush()
		}
	}
}

func (b *Broadcaster) closeAll() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.conn.Close()
	}
	metrics.UpdateSubscribers(0)
}
