package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/cenkalti/backoff"

	"github.com/rzbill/colla/internal/crdt"
	"github.com/rzbill/colla/internal/docsync"
	"github.com/rzbill/colla/internal/server/rpc"
	logpkg "github.com/rzbill/colla/pkg/log"
)

// Origin tags where a change to the replica came from.
type Origin string

const (
	OriginLocal        Origin = "local"
	OriginRemoteSync   Origin = "remote-sync"
	OriginRemoteUpdate Origin = "remote-update"
)

// Event describes a change applied to the replica.
type Event struct {
	Origin Origin
	// Client is the publishing session of a remote update.
	Client string
	// LastSeq is the log position of a remote change, when known.
	LastSeq int64
}

// errLostFirstWrite ends a subscription whose initial state lost the race
// for the document's first write.
var errLostFirstWrite = errors.New("client: initial state lost the first write")

// ReplicaOptions configures a Replica.
type ReplicaOptions struct {
	Namespace  string
	DocumentID string
	Token      string
	// QueueMax is the number of queued updates above which the queue is
	// coalesced into one update.
	QueueMax int
	// BackoffBase is the growth factor of publish retries: the n-th retry
	// waits min(MaxBackoff, BackoffBase^n seconds).
	BackoffBase float64
	MaxBackoff  time.Duration
	// ResubscribeWait bounds the pause before resubscribing after a
	// transport failure.
	ResubscribeWait time.Duration
	// OnChange observes every change applied to the replica. It runs with no
	// replica lock held.
	OnChange func(Event)
	Logger   logpkg.Logger
}

// Replica is the client's copy of one document. Local edits are queued and
// published in order once the replica has synced; remote updates are
// applied as they arrive.
type Replica struct {
	t      Transport
	opts   ReplicaOptions
	logger logpkg.Logger
	flush  chan struct{}

	mu        sync.Mutex
	doc       *crdt.Doc
	queue     [][]byte
	gen       uint64
	sessionID string
	synced    bool
	// everSynced is set after the first sync. Later handshakes never race
	// for the first write.
	everSynced bool
	lastSeq    int64
}

// NewReplica returns a replica of an empty document.
func NewReplica(t Transport, opts ReplicaOptions) *Replica {
	if opts.QueueMax <= 0 {
		opts.QueueMax = 256
	}
	if opts.BackoffBase <= 1 {
		opts.BackoffBase = 2
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 60 * time.Second
	}
	if opts.ResubscribeWait <= 0 {
		opts.ResubscribeWait = opts.MaxBackoff
	}
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel))
	}
	return &Replica{
		t:       t,
		opts:    opts,
		logger:  logger.With(logpkg.Component("replica"), logpkg.Str("doc", opts.DocumentID)),
		flush:   make(chan struct{}, 1),
		doc:     crdt.NewDoc(),
		lastSeq: -1,
	}
}

// newBackOff returns the retry schedule shared by replicas and presence: one
// second, growing by base, capped at maxWait, never giving up.
func newBackOff(base float64, maxWait time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min(time.Second, maxWait)
	b.Multiplier = base
	b.RandomizationFactor = 0
	b.MaxInterval = maxWait
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Run keeps the replica subscribed and publishing until ctx is done.
func (r *Replica) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.publishLoop(ctx)
	}()
	defer wg.Wait()

	retry := newBackOff(r.opts.BackoffBase, r.opts.ResubscribeWait)
	for ctx.Err() == nil {
		err := r.t.Subscribe(ctx, rpc.PathDocUpdates, rpc.DocUpdatesInput{
			Namespace:  r.opts.Namespace,
			DocumentID: r.opts.DocumentID,
		}, func(raw json.RawMessage) error { return r.handle(ctx, raw) })
		r.mu.Lock()
		r.sessionID = ""
		r.synced = false
		r.mu.Unlock()
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, errLostFirstWrite):
			r.reset()
			retry.Reset()
			continue
		case err != nil:
			r.logger.Warn("subscription failed", logpkg.Err(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retry.NextBackOff()):
		}
	}
	return nil
}

// reset discards the document and every queued edit.
func (r *Replica) reset() {
	r.mu.Lock()
	r.doc = crdt.NewDoc()
	r.queue = nil
	r.gen++
	r.lastSeq = -1
	r.mu.Unlock()
	r.logger.Info("initial state discarded, another client wrote first")
}

func (r *Replica) handle(ctx context.Context, raw json.RawMessage) error {
	var msg docsync.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return err
	}
	switch {
	case msg.SessionID != "":
		return r.handshake(ctx, msg.SessionID)
	case msg.Type == docsync.TypeSync:
		return r.applySync(msg)
	case msg.Type == docsync.TypeUpdate:
		return r.applyUpdate(msg)
	}
	return nil
}

// handshake sends the token and, until the first sync, the full local state
// as a first-write candidate.
func (r *Replica) handshake(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	r.sessionID = sessionID
	var state []byte
	if !r.everSynced && len(r.doc.Heads()) > 0 {
		state = r.doc.Save()
	}
	gen := r.gen
	queued := len(r.queue)
	r.mu.Unlock()

	var resp docsync.TokenResponse
	err := r.t.Call(ctx, rpc.PathDocToken, docsync.TokenRequest{
		SessionID:   sessionID,
		Token:       r.opts.Token,
		FirstUpdate: state,
	}, &resp)
	if err != nil {
		return err
	}
	if len(state) == 0 {
		return nil
	}
	if !resp.HasWrittenFirstUpdate {
		return errLostFirstWrite
	}
	// The saved state already carries every edit queued before it.
	r.mu.Lock()
	if r.gen == gen && len(r.queue) >= queued {
		r.queue = append([][]byte(nil), r.queue[queued:]...)
	}
	r.mu.Unlock()
	return nil
}

func (r *Replica) applySync(msg docsync.Message) error {
	r.mu.Lock()
	if err := r.doc.Apply(msg.Updates...); err != nil {
		r.mu.Unlock()
		return err
	}
	r.synced = true
	r.everSynced = true
	if msg.LastSeq != nil {
		r.lastSeq = *msg.LastSeq
	}
	seq := r.lastSeq
	r.mu.Unlock()
	r.notify(Event{Origin: OriginRemoteSync, LastSeq: seq})
	r.schedule()
	return nil
}

func (r *Replica) applyUpdate(msg docsync.Message) error {
	r.mu.Lock()
	if !r.synced {
		r.mu.Unlock()
		return nil
	}
	if err := r.doc.Apply(msg.Updates...); err != nil {
		r.mu.Unlock()
		return err
	}
	if msg.LastSeq != nil {
		r.lastSeq = *msg.LastSeq
	}
	seq := r.lastSeq
	r.mu.Unlock()
	r.notify(Event{Origin: OriginRemoteUpdate, Client: msg.Client, LastSeq: seq})
	return nil
}

func (r *Replica) notify(ev Event) {
	if r.opts.OnChange != nil {
		r.opts.OnChange(ev)
	}
}

func (r *Replica) schedule() {
	select {
	case r.flush <- struct{}{}:
	default:
	}
}

// Change applies a local edit and queues it for publishing.
func (r *Replica) Change(message string, fn func(*automerge.Doc) error) error {
	r.mu.Lock()
	update, err := r.doc.Change(message, fn)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if update == nil {
		r.mu.Unlock()
		return nil
	}
	r.queue = append(r.queue, update)
	if len(r.queue) > r.opts.QueueMax {
		r.queue = [][]byte{bytes.Join(r.queue, nil)}
	}
	r.mu.Unlock()
	r.notify(Event{Origin: OriginLocal})
	r.schedule()
	return nil
}

// Set assigns value at a map key path as a local edit.
func (r *Replica) Set(value any, path ...any) error {
	return r.Change("set", func(d *automerge.Doc) error { return d.Path(path...).Set(value) })
}

// Get reads the value at path.
func (r *Replica) Get(path ...any) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Get(path...)
}

// Heads returns the sorted heads of the replica.
func (r *Replica) Heads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Heads()
}

// Save returns the full encoded state of the replica.
func (r *Replica) Save() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Save()
}

// Synced reports whether the current subscription has applied its sync.
func (r *Replica) Synced() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.synced
}

// SessionID returns the current session, empty between subscriptions.
func (r *Replica) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// Pending returns the number of queued, unpublished updates.
func (r *Replica) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// LastSeq is the log position of the last applied remote change.
func (r *Replica) LastSeq() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSeq
}

// publishLoop flushes the queue in batches. Failures are retried with
// exponential backoff; nothing is dropped.
func (r *Replica) publishLoop(ctx context.Context) {
	b := newBackOff(r.opts.BackoffBase, r.opts.MaxBackoff)
	retry := time.NewTimer(time.Hour)
	retry.Stop()
	defer retry.Stop()
	waiting := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.flush:
			if waiting {
				continue
			}
		case <-retry.C:
			waiting = false
		}

		r.mu.Lock()
		if len(r.queue) == 0 || r.sessionID == "" || !r.synced {
			r.mu.Unlock()
			continue
		}
		batch := append([][]byte(nil), r.queue...)
		sessionID, gen := r.sessionID, r.gen
		r.mu.Unlock()

		err := r.t.Call(ctx, rpc.PathDocUpdate, docsync.PublishRequest{SessionID: sessionID, EncodedUpdates: batch}, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := b.NextBackOff()
			r.logger.Debug("publish failed", logpkg.Err(err), logpkg.Int("queued", len(batch)), logpkg.Duration("retry_in", wait))
			retry.Reset(wait)
			waiting = true
			continue
		}
		b.Reset()
		r.mu.Lock()
		if r.gen == gen {
			r.dropPublished(batch)
		}
		more := len(r.queue) > 0
		r.mu.Unlock()
		if more {
			r.schedule()
		}
	}
}

// dropPublished removes the published prefix. A coalesce that ran during
// the call folds the prefix into the first element, which then stays: a
// duplicate delivery is harmless to the document.
func (r *Replica) dropPublished(batch [][]byte) {
	n := len(batch)
	if n > len(r.queue) {
		return
	}
	for i := 0; i < n; i++ {
		if !bytes.Equal(r.queue[i], batch[i]) {
			return
		}
	}
	r.queue = append([][]byte(nil), r.queue[n:]...)
}
