// Package docsync runs document subscriptions: it hands each subscriber a
// session id, waits for the handshake, replays the compacted document and
// then relays live updates from other sessions.
package docsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rzbill/colla/internal/apierr"
	"github.com/rzbill/colla/internal/auth"
	"github.com/rzbill/colla/internal/keys"
	"github.com/rzbill/colla/internal/logservice"
	"github.com/rzbill/colla/internal/merge"
	"github.com/rzbill/colla/internal/namespace"
	"github.com/rzbill/colla/internal/session"
	logpkg "github.com/rzbill/colla/pkg/log"
)

// Namespaces resolves client supplied namespace names.
type Namespaces interface {
	Namespace(name string) (namespace.Meta, error)
}

// Options tunes the service.
type Options struct {
	// DurableInactive expires a live consumer whose subscription vanished
	// without cleanup.
	DurableInactive time.Duration
	Logger          logpkg.Logger
}

// Service serves document subscriptions and mutations.
type Service struct {
	log      logservice.Service
	sessions *session.Registry
	coord    *merge.Coordinator
	verifier auth.Verifier
	ns       Namespaces
	opts     Options
	logger   logpkg.Logger

	streams sync.Map
}

// New wires a Service.
func New(log logservice.Service, sessions *session.Registry, coord *merge.Coordinator, verifier auth.Verifier, ns Namespaces, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel))
	}
	return &Service{
		log:      log,
		sessions: sessions,
		coord:    coord,
		verifier: verifier,
		ns:       ns,
		opts:     opts,
		logger:   logger.With(logpkg.Component("docsync")),
	}
}

func (s *Service) ensureStream(ctx context.Context, key string) error {
	if _, ok := s.streams.Load(key); ok {
		return nil
	}
	if err := s.log.EnsureStream(ctx, logservice.StreamConfig{Name: key, Subjects: []string{key}}); err != nil {
		return apierr.Wrap(apierr.Internal, err, "ensure document stream")
	}
	s.streams.Store(key, struct{}{})
	return nil
}

// Subscribe runs one document subscription until ctx ends, emit fails or
// the log fails. A cancelled subscription returns nil.
func (s *Service) Subscribe(ctx context.Context, ns, documentID string, emit Emit) error {
	meta, err := s.ns.Namespace(ns)
	if err != nil {
		return namespace.Coded(err)
	}
	key := keys.Document(meta.Name, documentID)
	sess := s.sessions.Open(session.Doc, meta.Name, documentID, key)
	ctx = logpkg.NewContext(ctx, logpkg.SessionIDKey, sess.ID)
	ctx = logpkg.NewContext(ctx, logpkg.DocumentKey, key)
	logger := s.logger.WithContext(ctx)
	defer func() {
		s.sessions.Close(sess.ID)
		logger.Debug("docsync.closed")
	}()

	if err := emit(Message{SessionID: sess.ID}); err != nil {
		return err
	}

	if err := sess.WaitReady(ctx); err != nil {
		return nil
	}
	if !sess.Can(auth.Read) {
		return apierr.New(apierr.Forbidden, "read permission required for document %s", documentID)
	}
	if err := s.ensureStream(ctx, key); err != nil {
		return err
	}

	res, err := s.coord.MergeUpToLatest(ctx, key)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	syncMsg := Message{Type: TypeSync, Updates: [][]byte{}, LastSeq: seqPtr(res.LastSeq), Final: true}
	if !res.Empty() {
		syncMsg.Updates = [][]byte{res.Snapshot}
	}
	if err := emit(syncMsg); err != nil {
		return err
	}
	logger.Debug("docsync.replayed", logpkg.Int64("last_seq", res.LastSeq))

	return s.tail(ctx, sess, res, emit, logger)
}

func (s *Service) tail(ctx context.Context, sess *session.Session, from merge.Result, emit Emit, logger logpkg.Logger) error {
	start := logservice.StartAll()
	if !from.Empty() {
		start = logservice.StartAt(uint64(from.LastSeq) + 1)
	}
	tailer, err := s.log.Durable(ctx, logservice.ConsumerConfig{
		Stream:            sess.HashedSubjectID,
		FilterSubject:     sess.HashedSubjectID,
		Start:             start,
		Name:              "doc-" + sess.ID,
		InactiveThreshold: s.opts.DurableInactive,
	})
	if err != nil {
		return apierr.Wrap(apierr.Internal, err, "open live consumer")
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := tailer.Delete(dctx); err != nil {
			logger.Warn("docsync.consumer_delete", logpkg.Err(err))
		}
	}()

	for {
		d, err := tailer.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, logservice.ErrClosed) {
				return nil
			}
			return apierr.Wrap(apierr.Internal, err, "tail document")
		}
		e := d.Entry()
		if e.Origin != sess.ID {
			msg := Message{Type: TypeUpdate, Client: e.Origin, Updates: [][]byte{e.Payload}, LastSeq: seqPtr(int64(e.Seq))}
			if err := emit(msg); err != nil {
				return err
			}
		}
		if err := d.Ack(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return apierr.Wrap(apierr.Internal, err, "ack %d", e.Seq)
		}
	}
}

// Token completes the handshake of a document session. When FirstUpdate is
// set and the caller may write, it races every other handshake for the
// document's first write; the winner's state is appended before the session
// is released into replay.
func (s *Service) Token(ctx context.Context, req TokenRequest) (TokenResponse, error) {
	sess, err := s.sessions.Require(req.SessionID, session.Doc)
	if err != nil {
		return TokenResponse{}, err
	}
	release, err := sess.BeginHandshake()
	if err != nil {
		return TokenResponse{}, err
	}
	defer release()
	grant, err := s.verifier.Verify(ctx, req.Token, auth.Resource{Namespace: sess.Namespace, Kind: string(session.Doc), ID: sess.SubjectID})
	if err != nil {
		return TokenResponse{}, apierr.Wrap(apierr.Forbidden, err, "token rejected")
	}

	var resp TokenResponse
	if len(req.FirstUpdate) > 0 && grant.Has(auth.Write) {
		won, err := s.writeFirst(ctx, sess, req.FirstUpdate)
		if err != nil {
			return TokenResponse{}, err
		}
		resp.HasWrittenFirstUpdate = won
	}
	if _, err := s.sessions.Authorize(sess.ID, session.Doc, grant, ""); err != nil {
		return TokenResponse{}, err
	}
	s.logger.Debug("docsync.handshake",
		logpkg.Str("session", sess.ID),
		logpkg.Str("subject", grant.Subject),
		logpkg.Bool("first_write", resp.HasWrittenFirstUpdate))
	return resp, nil
}

func (s *Service) writeFirst(ctx context.Context, sess *session.Session, update []byte) (bool, error) {
	key := sess.HashedSubjectID
	if err := s.checkSize(sess.Namespace, update); err != nil {
		return false, err
	}
	if err := s.ensureStream(ctx, key); err != nil {
		return false, err
	}
	kv, err := s.log.KeyValue(ctx, merge.Bucket)
	if err != nil {
		return false, apierr.Wrap(apierr.Internal, err, "open document bucket")
	}
	marker := keys.FirstWrite(key)
	_, err = kv.Create(ctx, marker, []byte(sess.ID))
	if errors.Is(err, logservice.ErrKeyExists) {
		return false, nil
	}
	if err != nil {
		return false, apierr.Wrap(apierr.Internal, err, "claim first write")
	}
	if _, err := s.log.Publish(ctx, key, update, sess.ID); err != nil {
		// Give the claim back so a retry, or another client, can write first.
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if derr := kv.Delete(dctx, marker); derr != nil {
			s.logger.Error("docsync.first_write_release",
				logpkg.Str("doc", key), logpkg.Str("session", sess.ID), logpkg.Err(derr))
		}
		return false, apierr.Wrap(apierr.Internal, err, "append first write")
	}
	return true, nil
}

// Publish appends updates for a session in order. Updates appended before a
// failing one stay appended.
func (s *Service) Publish(ctx context.Context, req PublishRequest) error {
	sess, err := s.sessions.RequireReady(req.SessionID, session.Doc)
	if err != nil {
		return err
	}
	if !sess.Can(auth.Write) {
		return apierr.New(apierr.Forbidden, "write permission required for document %s", sess.SubjectID)
	}
	for _, u := range req.EncodedUpdates {
		if err := s.checkSize(sess.Namespace, u); err != nil {
			return err
		}
	}
	for i, u := range req.EncodedUpdates {
		if _, err := s.log.Publish(ctx, sess.HashedSubjectID, u, sess.ID); err != nil {
			return apierr.Wrap(apierr.Internal, err, "append update %d of %d", i+1, len(req.EncodedUpdates))
		}
	}
	return nil
}

func (s *Service) checkSize(ns string, payload []byte) error {
	meta, err := s.ns.Namespace(ns)
	if err != nil {
		return namespace.Coded(err)
	}
	if meta.PayloadMaxBytes > 0 && len(payload) > meta.PayloadMaxBytes {
		return apierr.New(apierr.BadRequest, "update of %d bytes exceeds %d", len(payload), meta.PayloadMaxBytes)
	}
	return nil
}

// Snapshot returns the compacted state of a document for a reader.
func (s *Service) Snapshot(ctx context.Context, ns, documentID, token string) (merge.Result, error) {
	meta, err := s.ns.Namespace(ns)
	if err != nil {
		return merge.Result{}, namespace.Coded(err)
	}
	grant, err := s.verifier.Verify(ctx, token, auth.Resource{Namespace: meta.Name, Kind: string(session.Doc), ID: documentID})
	if err != nil {
		return merge.Result{}, apierr.Wrap(apierr.Forbidden, err, "token rejected")
	}
	if !grant.Has(auth.Read) {
		return merge.Result{}, apierr.New(apierr.Forbidden, "read permission required for document %s", documentID)
	}
	return s.coord.MergeUpToLatest(ctx, keys.Document(meta.Name, documentID))
}
