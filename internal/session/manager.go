package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/samcharles93/ember/internal/cache"
	"github.com/samcharles93/ember/internal/device"
	"github.com/samcharles93/ember/internal/kernel"
	"github.com/samcharles93/ember/internal/logger"
	"github.com/samcharles93/ember/internal/logits"
	"github.com/samcharles93/ember/internal/metrics"
	"github.com/samcharles93/ember/internal/tensor"
	"github.com/samcharles93/ember/internal/transformer"
	"github.com/samcharles93/ember/internal/weights"
)

// Model is the part of a transformer the manager drives.
type Model interface {
	Hyperparams() weights.Hyperparams
	MaxSeqLen() int
	Backend() kernel.Backend
	NewCache() (cache.Set, error)
	Update(q kernel.Queue, tokens []uint32, caches cache.Set, pos int) (*tensor.Tensor, error)
	Logits(q kernel.Queue, hidden *tensor.Tensor) ([]float32, error)
}

var _ Model = (*transformer.Transformer)(nil)

// Finish reasons.
const (
	FinishStop    = "stop"
	FinishLength  = "length"
	FinishContext = "context"
)

type Request struct {
	SessionID string
	Inputs    []Dialog
	// DialogPos rewinds the session to the start of that dialog before
	// the inputs are appended. Nil appends after everything held.
	DialogPos *int
	Sampling  logits.Config
	MaxTokens int
	// OnToken, when set, sees every sampled token as it is produced. An
	// error stops decoding and fails the request.
	OnToken func(tok uint32) error
}

type Result struct {
	SessionID string
	Tokens    []uint32
	// DialogPos is the number of dialogs the session holds afterwards.
	DialogPos int
	Finish    string
	Prefilled int
	Elapsed   time.Duration
}

type options struct {
	log           logger.Logger
	metrics       *metrics.Metrics
	maxConcurrent int64
	maxTokens     int
	sampling      logits.Config
	now           func() time.Time
}

type Option func(*options)

func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithMaxConcurrent bounds the requests running forward passes at once.
func WithMaxConcurrent(n int) Option {
	return func(o *options) { o.maxConcurrent = int64(n) }
}

// WithMaxTokens sets the decode budget used when a request names none.
func WithMaxTokens(n int) Option {
	return func(o *options) { o.maxTokens = n }
}

// WithSampling sets the sampler defaults merged under each request.
func WithSampling(c logits.Config) Option {
	return func(o *options) { o.sampling = c }
}

func withClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

type Manager struct {
	model  Model
	dev    device.Info
	eos    []uint32
	sem    *semaphore.Weighted
	opts   options
	log    logger.Logger

	mu       sync.Mutex
	closed   bool
	sessions map[string]*Session
}

func NewManager(m Model, opts ...Option) (*Manager, error) {
	o := options{
		log:           logger.Default(),
		maxConcurrent: 1,
		maxTokens:     128,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxConcurrent <= 0 {
		return nil, fmt.Errorf("max concurrent must be positive, got %d", o.maxConcurrent)
	}
	if err := o.sampling.Validate(); err != nil {
		return nil, fmt.Errorf("sampling defaults: %w", err)
	}
	devs := m.Backend().Devices()
	if len(devs) == 0 {
		return nil, device.ErrNoDevice
	}
	return &Manager{
		model:    m,
		dev:      devs[0],
		eos:      m.Hyperparams().EOS,
		sem:      semaphore.NewWeighted(o.maxConcurrent),
		opts:     o,
		log:      o.log.With(logger.ComponentKey, "session"),
		sessions: make(map[string]*Session),
	}, nil
}

// Model returns the transformer the manager drives.
func (m *Manager) Model() Model { return m.model }

// acquire returns the named session locked for a request, creating it
// when create is set and the id is unknown.
func (m *Manager) acquire(id string, create bool) (*Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	s, ok := m.sessions[id]
	if !ok {
		if !create {
			return nil, false, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		s = newSession(id, m.opts.now())
		s.busy.Lock()
		m.sessions[id] = s
		m.opts.metrics.SessionOpened()
		return s, true, nil
	}
	if !s.busy.TryLock() {
		return nil, false, fmt.Errorf("%w: %s", ErrSessionBusy, id)
	}
	return s, false, nil
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
		m.opts.metrics.SessionClosed()
	}
	m.mu.Unlock()
}

// Infer appends the request's dialogs to a session, runs them through the
// model and decodes until EOS, the token budget, or the context limit.
// An empty or unknown session id opens a new session.
func (m *Manager) Infer(ctx context.Context, req Request) (*Result, error) {
	h := m.model.Hyperparams()
	for _, d := range req.Inputs {
		for _, tok := range d.Tokens {
			if int(tok) >= h.VocabSize {
				return nil, fmt.Errorf("%w: %d (vocab %d)", ErrInvalidToken, tok, h.VocabSize)
			}
		}
	}
	cfg := req.Sampling.Merge(m.opts.sampling)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = m.opts.maxTokens
	}

	id := req.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	s, created, err := m.acquire(id, true)
	if err != nil {
		return nil, err
	}
	defer s.busy.Unlock()
	if created {
		m.log.Info("session created", "id", id)
	}

	st := s.snapshot()
	if req.DialogPos != nil {
		if err := st.rewind(*req.DialogPos); err != nil {
			return nil, m.abandon(s, created, err)
		}
	}
	st.append(req.Inputs)
	if len(st.history) == 0 {
		return nil, m.abandon(s, created, transformer.ErrEmptyInput)
	}
	if len(st.history) > m.model.MaxSeqLen() {
		return nil, m.abandon(s, created, fmt.Errorf("%w: %d tokens, capacity %d",
			transformer.ErrSequenceTooLong, len(st.history), m.model.MaxSeqLen()))
	}

	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, m.abandon(s, created, err)
	}
	m.opts.metrics.Admitted()
	defer func() {
		m.opts.metrics.Finished()
		m.sem.Release(1)
	}()

	start := m.opts.now()
	res := &Result{SessionID: id}
	err = device.Enter(m.dev, func(dc *device.Context) error {
		caches, fresh, err := m.sprout(dc, s)
		if err != nil {
			return err
		}
		if fresh {
			st.cached = 0
		}
		defer func() {
			s.mu.Lock()
			s.caches, _ = device.Sporulate(dc, caches)
			s.mu.Unlock()
		}()
		return m.generate(ctx, caches, &st, logits.New(cfg), maxTokens, req.OnToken, res)
	})
	if err != nil {
		return nil, m.abandon(s, created, err)
	}
	now := m.opts.now()
	s.commit(st, now)
	res.DialogPos = len(st.dialogs)
	res.Elapsed = now.Sub(start)
	m.log.Debug("infer done",
		"id", id,
		"prefilled", res.Prefilled,
		"generated", len(res.Tokens),
		"finish", res.Finish,
		"elapsed", res.Elapsed,
	)
	return res, nil
}

// abandon drops a session that failed on its first request.
func (m *Manager) abandon(s *Session, created bool, err error) error {
	if created {
		m.remove(s)
		_ = m.releaseCaches(s)
	}
	return err
}

// sprout takes the session's caches out of their spore, allocating them
// on first use.
func (m *Manager) sprout(dc *device.Context, s *Session) (cache.Set, bool, error) {
	s.mu.Lock()
	sp := s.caches
	s.mu.Unlock()
	if sp == nil || sp.Empty() {
		caches, err := m.model.NewCache()
		if err != nil {
			return nil, false, fmt.Errorf("allocate cache: %w", err)
		}
		return caches, true, nil
	}
	caches, err := sp.Sprout(dc)
	return caches, false, err
}

func (m *Manager) generate(ctx context.Context, caches cache.Set, st *state, smp *logits.Sampler, maxTokens int, emit func(uint32) error, res *Result) error {
	q, err := m.model.Backend().NewQueue()
	if err != nil {
		return err
	}
	defer q.Close()

	// Everything already cached: feed the last token again so there is a
	// hidden state to sample from.
	if st.cached >= len(st.history) {
		st.cached = len(st.history) - 1
	}
	feed := st.history[st.cached:]
	t0 := time.Now()
	hidden, err := m.model.Update(q, feed, caches, st.cached)
	if err != nil {
		return fmt.Errorf("prefill: %w", err)
	}
	m.opts.metrics.Forward(metrics.Prefill, len(feed), time.Since(t0))
	res.Prefilled = len(feed)
	pos := len(st.history)
	st.cached = pos

	maxSeq := m.model.MaxSeqLen()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		row, err := m.model.Logits(q, hidden)
		if err != nil {
			return err
		}
		tok := smp.Sample(row, st.history)
		st.history = append(st.history, tok)
		res.Tokens = append(res.Tokens, tok)
		if emit != nil {
			if err := emit(tok); err != nil {
				return err
			}
		}
		switch {
		case slices.Contains(m.eos, tok):
			res.Finish = FinishStop
		case len(res.Tokens) >= maxTokens:
			res.Finish = FinishLength
		case pos >= maxSeq:
			res.Finish = FinishContext
		}
		if res.Finish != "" {
			return nil
		}
		t0 = time.Now()
		hidden, err = m.model.Update(q, []uint32{tok}, caches, pos)
		if err != nil {
			return fmt.Errorf("decode at %d: %w", pos, err)
		}
		m.opts.metrics.Forward(metrics.Decode, 1, time.Since(t0))
		pos++
		st.cached = pos
	}
}

// Fork copies a session's cached state into a new session. An empty newID
// is replaced by a generated one, which is returned.
func (m *Manager) Fork(ctx context.Context, id, newID string) (string, error) {
	if newID == "" {
		newID = uuid.NewString()
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	src, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if _, dup := m.sessions[newID]; dup {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrSessionDuplicate, newID)
	}
	if !src.busy.TryLock() {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrSessionBusy, id)
	}
	defer src.busy.Unlock()
	dst := newSession(newID, m.opts.now())
	dst.busy.Lock()
	defer dst.busy.Unlock()
	m.sessions[newID] = dst
	m.opts.metrics.SessionOpened()
	m.mu.Unlock()

	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.remove(dst)
		return "", err
	}
	defer m.sem.Release(1)

	st := src.snapshot()
	err := device.Enter(m.dev, func(dc *device.Context) error {
		src.mu.Lock()
		sp := src.caches
		src.mu.Unlock()
		if sp == nil || sp.Empty() {
			st.cached = 0
			return nil
		}
		caches, err := sp.Sprout(dc)
		if err != nil {
			return err
		}
		defer func() {
			src.mu.Lock()
			src.caches, _ = device.Sporulate(dc, caches)
			src.mu.Unlock()
		}()
		q, err := m.model.Backend().NewQueue()
		if err != nil {
			return err
		}
		defer q.Close()
		dup, err := cache.Duplicate(q, m.model.Backend(), caches, st.cached)
		if err != nil {
			return err
		}
		if err := q.Synchronize(); err != nil {
			dup.Release()
			return err
		}
		dst.mu.Lock()
		dst.caches, err = device.Sporulate(dc, dup)
		dst.mu.Unlock()
		return err
	})
	if err != nil {
		m.remove(dst)
		return "", fmt.Errorf("fork %s: %w", id, err)
	}
	dst.commit(st, m.opts.now())
	m.log.Info("session forked", "id", id, "new_id", newID, "cached", st.cached)
	return newID, nil
}

// Drop removes a session and frees its caches.
func (m *Manager) Drop(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if !s.busy.TryLock() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionBusy, id)
	}
	delete(m.sessions, id)
	m.opts.metrics.SessionClosed()
	m.mu.Unlock()
	defer s.busy.Unlock()

	if err := m.releaseCaches(s); err != nil {
		return err
	}
	m.log.Info("session dropped", "id", id)
	return nil
}

func (m *Manager) releaseCaches(s *Session) error {
	s.mu.Lock()
	sp := s.caches
	s.caches = nil
	s.mu.Unlock()
	if sp == nil {
		return nil
	}
	return device.Enter(sp.Owner(), func(dc *device.Context) error {
		return sp.Release(dc, func(c cache.Set) { c.Release() })
	})
}

// List returns a snapshot of every session, ordered by id.
func (m *Manager) List() []Info {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()
	out := make([]Info, 0, len(all))
	for _, s := range all {
		out = append(out, s.info())
	}
	slices.SortFunc(out, func(a, b Info) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Close waits for in-flight requests, releases every session and refuses
// further work.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	all := m.sessions
	m.sessions = map[string]*Session{}
	m.mu.Unlock()

	var errs []error
	for id, s := range all {
		if err := lockCtx(ctx, &s.busy); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
			continue
		}
		m.opts.metrics.SessionClosed()
		errs = append(errs, m.releaseCaches(s))
		s.busy.Unlock()
	}
	return errors.Join(errs...)
}

func lockCtx(ctx context.Context, mu *sync.Mutex) error {
	for !mu.TryLock() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	return nil
}
