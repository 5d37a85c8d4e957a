package pebblelog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rzbill/colla/internal/eventlog"
	"github.com/rzbill/colla/internal/logservice"
)

// consumer is the state shared by ephemeral and durable consumers.
type consumer struct {
	svc      *Service
	id       string
	durable  bool
	log      *eventlog.Log
	filter   string
	inactive time.Duration

	mu         sync.Mutex
	next       uint64
	lastActive time.Time
	waiting    int
	deleted    bool
	pending    *delivery
	stopCh     chan struct{}
}

func (s *Service) newConsumer(cfg logservice.ConsumerConfig, durable bool) (*consumer, error) {
	l, err := s.streamLog(cfg.Stream)
	if err != nil {
		return nil, err
	}
	c := &consumer{
		svc:        s,
		durable:    durable,
		log:        l,
		filter:     cfg.FilterSubject,
		inactive:   cfg.InactiveThreshold,
		next:       cfg.Start.Seq(),
		lastActive: s.now(),
		stopCh:     make(chan struct{}),
	}
	if cfg.Start.NewOnly() {
		c.next = l.LastSeq() + 1
	}
	if c.next == 0 {
		c.next = 1
	}
	if durable {
		if !validName(cfg.Name) {
			return nil, fmt.Errorf("pebblelog: invalid consumer name %q", cfg.Name)
		}
		c.id = cfg.Stream + "/" + cfg.Name
		if acked, ok := l.GetCursor(cfg.Name); ok {
			c.next = acked + 1
		}
		if err := l.TouchCursor(cfg.Name, c.lastActive.UnixMilli()); err != nil {
			return nil, err
		}
	} else {
		c.id = cfg.Stream + "/~" + s.ids.Next().String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, logservice.ErrClosed
	}
	if prev, ok := s.consumers[c.id]; ok {
		prev.stop()
	}
	s.consumers[c.id] = c
	return c, nil
}

func (c *consumer) name() string {
	if !c.durable {
		return ""
	}
	return c.id[len(c.log.Stream())+1:]
}

func (c *consumer) match(subject string) bool {
	return logservice.MatchSubject(c.filter, subject)
}

// stop marks the consumer deleted and wakes blocked callers.
func (c *consumer) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleted {
		return
	}
	c.deleted = true
	close(c.stopCh)
}

// read returns up to max matching entries from the consumer position.
func (c *consumer) read(max int) ([]eventlog.Item, uint64, error) {
	c.mu.Lock()
	if c.deleted {
		c.mu.Unlock()
		return nil, 0, logservice.ErrConsumerDeleted
	}
	c.lastActive = c.svc.now()
	start := c.next
	c.mu.Unlock()

	items, next, err := c.log.Read(eventlog.ReadOptions{StartSeq: start, Limit: max, Filter: c.match})
	if err != nil {
		return nil, 0, err
	}
	c.mu.Lock()
	if c.next == start {
		c.next = next
	}
	c.mu.Unlock()
	return items, next, nil
}

// wait blocks until the log passes after, the consumer stops or ctx ends.
func (c *consumer) wait(ctx context.Context, after uint64) error {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-wctx.Done():
		}
	}()
	c.mu.Lock()
	c.waiting++
	c.mu.Unlock()
	err := c.log.WaitForAppend(wctx, after)
	c.mu.Lock()
	c.waiting--
	c.lastActive = c.svc.now()
	deleted := c.deleted
	c.mu.Unlock()
	if deleted {
		return logservice.ErrConsumerDeleted
	}
	return err
}

func (c *consumer) expired(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inactive > 0 && c.waiting == 0 && now.Sub(c.lastActive) > c.inactive
}

// remove holds the service lock across the cursor delete so Close, and the
// runtime close that follows it, cannot interleave with the write. After
// Close the cursor is left for the next Sweep.
func (c *consumer) remove(ctx context.Context) error {
	c.stop()
	c.svc.mu.Lock()
	defer c.svc.mu.Unlock()
	if cur, ok := c.svc.consumers[c.id]; ok && cur == c {
		delete(c.svc.consumers, c.id)
	}
	if c.svc.closed {
		return logservice.ErrClosed
	}
	if c.durable {
		return c.log.DeleteCursor(ctx, c.name())
	}
	return nil
}

// Ephemeral opens a batch consumer. It is never persisted.
func (s *Service) Ephemeral(_ context.Context, cfg logservice.ConsumerConfig) (logservice.Fetcher, error) {
	c, err := s.newConsumer(cfg, false)
	if err != nil {
		return nil, err
	}
	return &ephemeral{c: c}, nil
}

type ephemeral struct{ c *consumer }

func (e *ephemeral) Fetch(ctx context.Context, max int, wait time.Duration) ([]logservice.Entry, error) {
	if max <= 0 {
		max = 1
	}
	items, next, err := e.c.read(max)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 && wait > 0 {
		wctx, cancel := context.WithTimeout(ctx, wait)
		err := e.c.wait(wctx, next-1)
		cancel()
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case err == logservice.ErrConsumerDeleted:
			return nil, err
		default:
			return nil, nil
		}
		if items, _, err = e.c.read(max); err != nil {
			return nil, err
		}
	}
	out := make([]logservice.Entry, len(items))
	for i, it := range items {
		out[i] = entryFromItem(it)
	}
	return out, nil
}

func (e *ephemeral) Delete(ctx context.Context) error { return e.c.remove(ctx) }

// Durable opens or resumes a named consumer whose ack position survives
// restarts.
func (s *Service) Durable(_ context.Context, cfg logservice.ConsumerConfig) (logservice.Tailer, error) {
	c, err := s.newConsumer(cfg, true)
	if err != nil {
		return nil, err
	}
	return &tailer{c: c}, nil
}

type tailer struct{ c *consumer }

type delivery struct {
	c     *consumer
	entry logservice.Entry
}

func (d *delivery) Entry() logservice.Entry { return d.entry }

func (d *delivery) Ack(_ context.Context) error {
	c := d.c
	c.mu.Lock()
	if c.pending == d {
		c.pending = nil
	}
	deleted := c.deleted
	c.lastActive = c.svc.now()
	c.mu.Unlock()
	if deleted {
		return logservice.ErrConsumerDeleted
	}
	if err := c.log.CommitCursor(c.name(), d.entry.Seq); err != nil {
		return err
	}
	return c.log.TouchCursor(c.name(), c.svc.now().UnixMilli())
}

// Next redelivers the unacknowledged entry if there is one, otherwise blocks
// for the next matching entry.
func (t *tailer) Next(ctx context.Context) (logservice.Delivery, error) {
	c := t.c
	for {
		c.mu.Lock()
		if c.deleted {
			c.mu.Unlock()
			return nil, logservice.ErrConsumerDeleted
		}
		if c.pending != nil {
			d := c.pending
			c.mu.Unlock()
			return d, nil
		}
		c.mu.Unlock()

		items, next, err := c.read(1)
		if err != nil {
			return nil, err
		}
		if len(items) > 0 {
			d := &delivery{c: c, entry: entryFromItem(items[0])}
			c.mu.Lock()
			c.pending = d
			c.mu.Unlock()
			return d, nil
		}
		if err := c.wait(ctx, next-1); err != nil {
			return nil, err
		}
	}
}

func (t *tailer) Delete(ctx context.Context) error { return t.c.remove(ctx) }
