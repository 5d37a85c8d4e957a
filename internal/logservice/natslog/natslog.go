// Package natslog implements logservice.Service on NATS JetStream: streams
// map to JetStream streams, ephemeral consumers to pull subscriptions with an
// inactivity threshold, durable consumers to explicit-ack pull consumers with
// one message in flight, and KV buckets to JetStream key-value buckets.
package natslog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/rzbill/colla/internal/logservice"
	logpkg "github.com/rzbill/colla/pkg/log"
)

// Options configures the connection.
type Options struct {
	URL    string
	Name   string
	Logger logpkg.Logger
	// PollInterval bounds each blocking pull of a durable consumer.
	PollInterval time.Duration
}

// Service is a logservice.Service backed by JetStream.
type Service struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	logger logpkg.Logger
	poll   time.Duration

	mu  sync.Mutex
	kvs map[string]nats.KeyValue
}

var _ logservice.Service = (*Service)(nil)

// Connect dials NATS and opens a JetStream context.
func Connect(opts Options) (*Service, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel))
	}
	logger = logger.With(logpkg.Component("natslog"))
	name := opts.Name
	if name == "" {
		name = "colla"
	}
	nc, err := nats.Connect(opts.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("natslog.disconnected", logpkg.Err(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("natslog.reconnected", logpkg.Str("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("natslog: connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("natslog: jetstream: %w", err)
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 30 * time.Second
	}
	return &Service{nc: nc, js: js, logger: logger, poll: poll, kvs: make(map[string]nats.KeyValue)}, nil
}

// EnsureStream creates the stream or updates it to cfg.
func (s *Service) EnsureStream(ctx context.Context, cfg logservice.StreamConfig) error {
	subjects := cfg.Subjects
	if len(subjects) == 0 {
		subjects = []string{cfg.Name}
	}
	sc := &nats.StreamConfig{
		Name:              cfg.Name,
		Subjects:          subjects,
		Retention:         nats.LimitsPolicy,
		Storage:           nats.FileStorage,
		MaxMsgsPerSubject: int64(cfg.MaxMsgsPerSubject),
		MaxAge:            cfg.MaxAge,
		MaxBytes:          cfg.MaxBytes,
	}
	if sc.MaxMsgsPerSubject == 0 {
		sc.MaxMsgsPerSubject = -1
	}
	if sc.MaxBytes == 0 {
		sc.MaxBytes = -1
	}
	_, err := s.js.StreamInfo(cfg.Name, nats.Context(ctx))
	switch {
	case errors.Is(err, nats.ErrStreamNotFound):
		_, err = s.js.AddStream(sc, nats.Context(ctx))
	case err == nil:
		_, err = s.js.UpdateStream(sc, nats.Context(ctx))
	}
	if err != nil {
		return fmt.Errorf("natslog: ensure stream %s: %w", cfg.Name, err)
	}
	return nil
}

// Publish appends to subject with the origin header set.
func (s *Service) Publish(ctx context.Context, subject string, payload []byte, origin string) (uint64, error) {
	msg := nats.NewMsg(subject)
	msg.Data = payload
	if origin != "" {
		msg.Header.Set(logservice.OriginHeader, origin)
	}
	ack, err := s.js.PublishMsg(msg, nats.Context(ctx))
	if errors.Is(err, nats.ErrNoStreamResponse) || errors.Is(err, nats.ErrNoResponders) {
		return 0, fmt.Errorf("%w: %s", logservice.ErrNoStreamForSubject, subject)
	}
	if err != nil {
		return 0, err
	}
	return ack.Sequence, nil
}

func startOpt(p logservice.StartPosition) nats.SubOpt {
	if p.NewOnly() {
		return nats.DeliverNew()
	}
	if p.Seq() == 0 {
		return nats.DeliverAll()
	}
	return nats.StartSequence(p.Seq())
}

func (s *Service) filterFor(ctx context.Context, cfg logservice.ConsumerConfig) (string, error) {
	if cfg.FilterSubject != "" {
		return cfg.FilterSubject, nil
	}
	info, err := s.js.StreamInfo(cfg.Stream, nats.Context(ctx))
	if errors.Is(err, nats.ErrStreamNotFound) {
		return "", fmt.Errorf("%w: %s", logservice.ErrStreamNotFound, cfg.Stream)
	}
	if err != nil {
		return "", err
	}
	if len(info.Config.Subjects) != 1 {
		return "", fmt.Errorf("natslog: stream %s needs an explicit filter subject", cfg.Stream)
	}
	return info.Config.Subjects[0], nil
}

// Ephemeral creates an ack-less pull consumer removed on Delete or after
// InactiveThreshold.
func (s *Service) Ephemeral(ctx context.Context, cfg logservice.ConsumerConfig) (logservice.Fetcher, error) {
	filter, err := s.filterFor(ctx, cfg)
	if err != nil {
		return nil, err
	}
	opts := []nats.SubOpt{nats.BindStream(cfg.Stream), nats.AckNone(), startOpt(cfg.Start)}
	if cfg.InactiveThreshold > 0 {
		opts = append(opts, nats.InactiveThreshold(cfg.InactiveThreshold))
	}
	sub, err := s.js.PullSubscribe(filter, "", opts...)
	if errors.Is(err, nats.ErrStreamNotFound) {
		return nil, fmt.Errorf("%w: %s", logservice.ErrStreamNotFound, cfg.Stream)
	}
	if err != nil {
		return nil, fmt.Errorf("natslog: ephemeral consumer on %s: %w", cfg.Stream, err)
	}
	return &fetcher{sub: sub}, nil
}

type fetcher struct{ sub *nats.Subscription }

func (f *fetcher) Fetch(ctx context.Context, max int, wait time.Duration) ([]logservice.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 1
	}
	if wait <= 0 {
		wait = time.Millisecond
	}
	msgs, err := f.sub.Fetch(max, nats.MaxWait(wait))
	if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return nil, nil
	}
	if errors.Is(err, nats.ErrBadSubscription) || errors.Is(err, nats.ErrConsumerNotFound) {
		return nil, logservice.ErrConsumerDeleted
	}
	if err != nil {
		return nil, err
	}
	out := make([]logservice.Entry, 0, len(msgs))
	for _, m := range msgs {
		e, err := entryFromMsg(m)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *fetcher) Delete(context.Context) error {
	err := f.sub.Unsubscribe()
	if errors.Is(err, nats.ErrBadSubscription) || errors.Is(err, nats.ErrConsumerNotFound) {
		return nil
	}
	return err
}

func entryFromMsg(m *nats.Msg) (logservice.Entry, error) {
	meta, err := m.Metadata()
	if err != nil {
		return logservice.Entry{}, fmt.Errorf("natslog: message metadata: %w", err)
	}
	return logservice.Entry{
		Subject: m.Subject,
		Seq:     meta.Sequence.Stream,
		Payload: m.Data,
		Origin:  m.Header.Get(logservice.OriginHeader),
	}, nil
}

// Durable creates or binds a named explicit-ack consumer with one message in
// flight.
func (s *Service) Durable(ctx context.Context, cfg logservice.ConsumerConfig) (logservice.Tailer, error) {
	filter, err := s.filterFor(ctx, cfg)
	if err != nil {
		return nil, err
	}
	opts := []nats.SubOpt{
		nats.BindStream(cfg.Stream),
		nats.AckExplicit(),
		nats.MaxAckPending(1),
		startOpt(cfg.Start),
	}
	if cfg.InactiveThreshold > 0 {
		opts = append(opts, nats.InactiveThreshold(cfg.InactiveThreshold))
	}
	sub, err := s.js.PullSubscribe(filter, cfg.Name, opts...)
	if errors.Is(err, nats.ErrStreamNotFound) {
		return nil, fmt.Errorf("%w: %s", logservice.ErrStreamNotFound, cfg.Stream)
	}
	if err != nil {
		return nil, fmt.Errorf("natslog: durable consumer %s on %s: %w", cfg.Name, cfg.Stream, err)
	}
	return &tailer{svc: s, sub: sub, stream: cfg.Stream, name: cfg.Name}, nil
}

type tailer struct {
	svc    *Service
	sub    *nats.Subscription
	stream string
	name   string
}

type delivery struct {
	msg   *nats.Msg
	entry logservice.Entry
}

func (d *delivery) Entry() logservice.Entry { return d.entry }

func (d *delivery) Ack(ctx context.Context) error { return d.msg.Ack(nats.Context(ctx)) }

func (t *tailer) Next(ctx context.Context) (logservice.Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pctx, cancel := context.WithTimeout(ctx, t.svc.poll)
		msgs, err := t.sub.Fetch(1, nats.Context(pctx))
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, nats.ErrBadSubscription) || errors.Is(err, nats.ErrConsumerNotFound) {
				return nil, logservice.ErrConsumerDeleted
			}
			return nil, err
		}
		if len(msgs) == 0 {
			continue
		}
		e, err := entryFromMsg(msgs[0])
		if err != nil {
			return nil, err
		}
		return &delivery{msg: msgs[0], entry: e}, nil
	}
}

func (t *tailer) Delete(ctx context.Context) error {
	_ = t.sub.Unsubscribe()
	err := t.svc.js.DeleteConsumer(t.stream, t.name, nats.Context(ctx))
	if errors.Is(err, nats.ErrConsumerNotFound) {
		return nil
	}
	return err
}

// KeyValue binds the bucket, creating it with history 1 on first use.
func (s *Service) KeyValue(_ context.Context, bucket string) (logservice.KV, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if kv, ok := s.kvs[bucket]; ok {
		return &kvStore{kv: kv}, nil
	}
	kv, err := s.js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = s.js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket, History: 1, Storage: nats.FileStorage})
	}
	if err != nil {
		return nil, fmt.Errorf("natslog: bucket %s: %w", bucket, err)
	}
	s.kvs[bucket] = kv
	return &kvStore{kv: kv}, nil
}

// Close drains the connection.
func (s *Service) Close() error {
	if s.nc == nil {
		return nil
	}
	return s.nc.Drain()
}

type kvStore struct{ kv nats.KeyValue }

func (k *kvStore) Get(_ context.Context, key string) (logservice.KVEntry, error) {
	e, err := k.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return logservice.KVEntry{}, logservice.ErrKeyNotFound
	}
	if err != nil {
		return logservice.KVEntry{}, err
	}
	return logservice.KVEntry{Key: key, Value: e.Value(), Revision: e.Revision()}, nil
}

func (k *kvStore) Create(_ context.Context, key string, value []byte) (uint64, error) {
	rev, err := k.kv.Create(key, value)
	if errors.Is(err, nats.ErrKeyExists) || wrongLastSequence(err) {
		return 0, logservice.ErrKeyExists
	}
	return rev, err
}

func (k *kvStore) Update(_ context.Context, key string, value []byte, revision uint64) (uint64, error) {
	rev, err := k.kv.Update(key, value, revision)
	if wrongLastSequence(err) || errors.Is(err, nats.ErrKeyExists) {
		return 0, logservice.ErrWrongRevision
	}
	return rev, err
}

func (k *kvStore) Put(_ context.Context, key string, value []byte) (uint64, error) {
	return k.kv.Put(key, value)
}

func (k *kvStore) Delete(_ context.Context, key string) error {
	err := k.kv.Delete(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil
	}
	return err
}

func wrongLastSequence(err error) bool {
	var apiErr *nats.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
}
