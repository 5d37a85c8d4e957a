package pebblelog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rzbill/colla/internal/eventlog"
	"github.com/rzbill/colla/internal/logservice"
	"github.com/rzbill/colla/internal/runtime"
	"github.com/rzbill/colla/pkg/id"
	logpkg "github.com/rzbill/colla/pkg/log"
)

var streamCfgPrefix = []byte("streamcfg/")

// Options tunes the embedded backend.
type Options struct {
	// DurableInactive expires persisted durable cursors whose owner vanished
	// without deleting them (for example after a crash).
	DurableInactive time.Duration
	Logger          logpkg.Logger
	// Now is the clock used for activity tracking. Defaults to time.Now.
	Now func() time.Time
}

// Service is the embedded log service.
type Service struct {
	rt              *runtime.Runtime
	logger          logpkg.Logger
	durableInactive time.Duration
	now             func() time.Time
	ids             *id.Generator

	mu        sync.Mutex
	closed    bool
	streams   map[string]logservice.StreamConfig
	literal   map[string]string
	wildcards []subjectRoute
	consumers map[string]*consumer
	kvLocks   map[string]*sync.Mutex
}

type subjectRoute struct {
	filter string
	stream string
}

var _ logservice.Service = (*Service)(nil)
var _ logservice.Sweeper = (*Service)(nil)

// New opens the backend over rt and reloads persisted stream definitions.
func New(rt *runtime.Runtime, opts Options) (*Service, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel))
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Service{
		rt:              rt,
		logger:          logger.With(logpkg.Component("pebblelog")),
		durableInactive: opts.DurableInactive,
		now:             now,
		ids:             id.NewGenerator("pebblelog"),
		streams:         make(map[string]logservice.StreamConfig),
		literal:         make(map[string]string),
		consumers:       make(map[string]*consumer),
		kvLocks:         make(map[string]*sync.Mutex),
	}
	var cfgs []logservice.StreamConfig
	var decodeErr error
	err := rt.DB().ScanPrefix(streamCfgPrefix, func(_, v []byte) bool {
		var cfg logservice.StreamConfig
		if decodeErr = json.Unmarshal(v, &cfg); decodeErr != nil {
			return false
		}
		cfgs = append(cfgs, cfg)
		return true
	})
	if err == nil {
		err = decodeErr
	}
	if err != nil {
		return nil, fmt.Errorf("pebblelog: load streams: %w", err)
	}
	for _, cfg := range cfgs {
		if err := s.register(cfg); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func validName(name string) bool {
	return name != "" && !strings.ContainsAny(name, "/\x00 ")
}

// EnsureStream creates or updates a stream definition.
func (s *Service) EnsureStream(ctx context.Context, cfg logservice.StreamConfig) error {
	if !validName(cfg.Name) {
		return fmt.Errorf("pebblelog: invalid stream name %q", cfg.Name)
	}
	if len(cfg.Subjects) == 0 {
		cfg.Subjects = []string{cfg.Name}
	}
	s.mu.Lock()
	prev, ok := s.streams[cfg.Name]
	s.mu.Unlock()
	if ok && sameConfig(prev, cfg) {
		return nil
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := s.rt.DB().Set(append(append([]byte(nil), streamCfgPrefix...), cfg.Name...), b); err != nil {
		return err
	}
	return s.register(cfg)
}

func sameConfig(a, b logservice.StreamConfig) bool {
	if a.MaxMsgsPerSubject != b.MaxMsgsPerSubject || a.MaxAge != b.MaxAge || a.MaxBytes != b.MaxBytes || len(a.Subjects) != len(b.Subjects) {
		return false
	}
	for i := range a.Subjects {
		if a.Subjects[i] != b.Subjects[i] {
			return false
		}
	}
	return true
}

func (s *Service) register(cfg logservice.StreamConfig) error {
	l, err := s.rt.Log(cfg.Name)
	if err != nil {
		return err
	}
	l.SetLimits(eventlog.Limits{MaxPerSubject: cfg.MaxMsgsPerSubject, MaxAge: cfg.MaxAge, MaxBytes: cfg.MaxBytes})
	l.SetTrimHook(trimLogger{logger: s.logger})

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.streams[cfg.Name]; ok {
		for _, subj := range old.Subjects {
			delete(s.literal, subj)
		}
		kept := s.wildcards[:0]
		for _, r := range s.wildcards {
			if r.stream != cfg.Name {
				kept = append(kept, r)
			}
		}
		s.wildcards = kept
	}
	for _, subj := range cfg.Subjects {
		if strings.ContainsAny(subj, "*>") {
			s.wildcards = append(s.wildcards, subjectRoute{filter: subj, stream: cfg.Name})
		} else {
			s.literal[subj] = cfg.Name
		}
	}
	s.streams[cfg.Name] = cfg
	return nil
}

func (s *Service) streamFor(subject string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name, ok := s.literal[subject]; ok {
		return name, true
	}
	for _, r := range s.wildcards {
		if logservice.MatchSubject(r.filter, subject) {
			return r.stream, true
		}
	}
	return "", false
}

func (s *Service) streamLog(name string) (*eventlog.Log, error) {
	s.mu.Lock()
	closed := s.closed
	_, ok := s.streams[name]
	s.mu.Unlock()
	if closed {
		return nil, logservice.ErrClosed
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", logservice.ErrStreamNotFound, name)
	}
	return s.rt.Log(name)
}

// Publish appends payload to the stream bound to subject.
func (s *Service) Publish(ctx context.Context, subject string, payload []byte, origin string) (uint64, error) {
	name, ok := s.streamFor(subject)
	if !ok {
		return 0, fmt.Errorf("%w: %s", logservice.ErrNoStreamForSubject, subject)
	}
	l, err := s.streamLog(name)
	if err != nil {
		return 0, err
	}
	seqs, err := l.Append(ctx, []eventlog.AppendRecord{{Subject: subject, Header: []byte(origin), Payload: payload}})
	if err != nil {
		return 0, err
	}
	return seqs[0], nil
}

// Close stops every consumer. The runtime owns the database.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cs := make([]*consumer, 0, len(s.consumers))
	for _, c := range s.consumers {
		cs = append(cs, c)
	}
	s.consumers = map[string]*consumer{}
	s.mu.Unlock()
	for _, c := range cs {
		c.stop()
	}
	return nil
}

func entryFromItem(it eventlog.Item) logservice.Entry {
	return logservice.Entry{Subject: it.Subject, Seq: it.Seq, Payload: it.Payload, Origin: string(it.Header)}
}

type trimLogger struct{ logger logpkg.Logger }

func (t trimLogger) OnTrim(stream string, minSeq, maxSeq uint64, count int) {
	t.logger.Debug("pebblelog.trim",
		logpkg.Str("stream", stream),
		logpkg.Uint64("min_seq", minSeq),
		logpkg.Uint64("max_seq", maxSeq),
		logpkg.Int("count", count))
}
