package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/ember/internal/backend"
	"github.com/samcharles93/ember/internal/kernel"
	"github.com/samcharles93/ember/internal/logger"
	"github.com/samcharles93/ember/internal/logits"
	"github.com/samcharles93/ember/internal/metrics"
	"github.com/samcharles93/ember/internal/tensor"
	"github.com/samcharles93/ember/internal/transformer"
	"github.com/samcharles93/ember/internal/weights"
)

func testParams() weights.Hyperparams {
	return weights.Hyperparams{
		HiddenSize:       16,
		NumHeads:         4,
		NumKVHeads:       2,
		HeadDim:          4,
		IntermediateSize: 24,
		NumLayers:        2,
		VocabSize:        11,
		MaxSeqLen:        12,
		RMSNormEps:       1e-5,
		RopeTheta:        10000,
		DataType:         tensor.F32,
	}
}

func newManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	b, err := backend.New(backend.CPU, kernel.Config{RMSNormMaxSize: 256, SoftmaxMaxSize: 256}, logger.Discard())
	require.NoError(t, err)
	w, err := weights.Synthetic(testParams(), 7)
	require.NoError(t, err)
	tr, err := transformer.New(context.Background(), w, b, transformer.WithLogger(logger.Discard()))
	require.NoError(t, err)
	opts = append([]Option{WithLogger(logger.Discard()), WithMaxTokens(3), WithMetrics(metrics.New())}, opts...)
	m, err := NewManager(tr, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func dialog(tokens ...uint32) []Dialog {
	return []Dialog{{Role: "user", Tokens: tokens}}
}

func badSampling() logits.Config {
	return logits.Config{TopP: 2}
}

func infer(t *testing.T, m *Manager, req Request) *Result {
	t.Helper()
	res, err := m.Infer(context.Background(), req)
	require.NoError(t, err)
	return res
}

func TestInferCreatesSession(t *testing.T) {
	m := newManager(t)
	res := infer(t, m, Request{Inputs: dialog(1, 2, 3)})

	require.NotEmpty(t, res.SessionID)
	assert.Len(t, res.Tokens, 3)
	assert.Equal(t, FinishLength, res.Finish)
	assert.Equal(t, 1, res.DialogPos)
	assert.Equal(t, 3, res.Prefilled)

	infos := m.List()
	require.Len(t, infos, 1)
	assert.Equal(t, res.SessionID, infos[0].ID)
	assert.Equal(t, 6, infos[0].Tokens)
	// The last sampled token is not cached until the next request.
	assert.Equal(t, 5, infos[0].Cached)
	assert.Equal(t, 1, infos[0].Dialogs)
}

func TestInferContinuationMatchesSingleRequest(t *testing.T) {
	m := newManager(t)
	first := infer(t, m, Request{SessionID: "a", Inputs: dialog(1, 2, 3)})
	second := infer(t, m, Request{SessionID: "a", Inputs: dialog(4), MaxTokens: 2})
	assert.Equal(t, 2, second.Prefilled, "pending token plus the new input")
	assert.Equal(t, 2, second.DialogPos)

	history := append([]uint32{1, 2, 3}, first.Tokens...)
	history = append(history, 4)
	whole := infer(t, m, Request{SessionID: "b", Inputs: dialog(history...), MaxTokens: 2})
	assert.Equal(t, second.Tokens, whole.Tokens)
}

func TestDialogPosRewinds(t *testing.T) {
	m := newManager(t)
	first := infer(t, m, Request{SessionID: "s", Inputs: dialog(5, 6)})
	infer(t, m, Request{SessionID: "s", Inputs: dialog(7)})

	zero := 0
	again := infer(t, m, Request{SessionID: "s", Inputs: dialog(5, 6), DialogPos: &zero})
	assert.Equal(t, first.Tokens, again.Tokens)
	assert.Equal(t, 1, again.DialogPos)

	// Keeping every dialog and sending nothing continues from the pending token.
	one := 1
	cont := infer(t, m, Request{SessionID: "s", DialogPos: &one, MaxTokens: 1})
	assert.Len(t, cont.Tokens, 1)
	assert.Equal(t, 1, cont.Prefilled)
}

func TestDialogPosOutOfRange(t *testing.T) {
	m := newManager(t)
	infer(t, m, Request{SessionID: "s", Inputs: dialog(1)})

	pos := 3
	_, err := m.Infer(context.Background(), Request{SessionID: "s", Inputs: dialog(2), DialogPos: &pos})
	var dpe *InvalidDialogPosError
	require.True(t, errors.As(err, &dpe))
	assert.Equal(t, 1, dpe.Current)
	assert.Equal(t, 3, dpe.Requested)

	// The failed request left the session as it was.
	infos := m.List()
	require.Len(t, infos, 1)
	assert.Equal(t, 1, infos[0].Dialogs)
}

func TestInferRejectsBadInput(t *testing.T) {
	m := newManager(t)

	_, err := m.Infer(context.Background(), Request{Inputs: dialog(1, 99)})
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = m.Infer(context.Background(), Request{SessionID: "empty"})
	assert.ErrorIs(t, err, transformer.ErrEmptyInput)

	long := make([]uint32, 13)
	_, err = m.Infer(context.Background(), Request{SessionID: "long", Inputs: dialog(long...)})
	assert.ErrorIs(t, err, transformer.ErrSequenceTooLong)

	_, err = m.Infer(context.Background(), Request{Inputs: dialog(1), Sampling: badSampling()})
	assert.Error(t, err)

	assert.Empty(t, m.List(), "failed first requests must not leave sessions behind")
}

func TestInferStopsAtContextLimit(t *testing.T) {
	m := newManager(t)
	res := infer(t, m, Request{Inputs: dialog(0, 1, 2, 3, 4, 5, 6, 7, 8, 9), MaxTokens: 10})
	assert.Equal(t, FinishContext, res.Finish)
	assert.Len(t, res.Tokens, 3)

	_, err := m.Infer(context.Background(), Request{SessionID: res.SessionID, Inputs: dialog(1)})
	assert.ErrorIs(t, err, transformer.ErrSequenceTooLong)
}

func TestInferStopsAtEOS(t *testing.T) {
	m := newManager(t)
	probe := infer(t, m, Request{Inputs: dialog(3, 1, 4)})

	m.eos = []uint32{probe.Tokens[0]}
	res := infer(t, m, Request{Inputs: dialog(3, 1, 4)})
	assert.Equal(t, FinishStop, res.Finish)
	assert.Equal(t, probe.Tokens[:1], res.Tokens)
}

func TestForkSharesHistory(t *testing.T) {
	m := newManager(t)
	infer(t, m, Request{SessionID: "src", Inputs: dialog(1, 2, 3)})

	id, err := m.Fork(context.Background(), "src", "dst")
	require.NoError(t, err)
	assert.Equal(t, "dst", id)

	infos := m.List()
	require.Len(t, infos, 2)
	assert.Equal(t, infos[0].Digest, infos[1].Digest)
	assert.Equal(t, infos[0].Cached, infos[1].Cached)

	a := infer(t, m, Request{SessionID: "src", Inputs: dialog(8)})
	b := infer(t, m, Request{SessionID: "dst", Inputs: dialog(8)})
	assert.Equal(t, a.Tokens, b.Tokens)
	assert.Equal(t, a.Prefilled, b.Prefilled)
}

func TestForkErrors(t *testing.T) {
	m := newManager(t)
	infer(t, m, Request{SessionID: "a", Inputs: dialog(1)})
	infer(t, m, Request{SessionID: "b", Inputs: dialog(2)})

	_, err := m.Fork(context.Background(), "missing", "c")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = m.Fork(context.Background(), "a", "b")
	assert.ErrorIs(t, err, ErrSessionDuplicate)

	id, err := m.Fork(context.Background(), "a", "")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestDrop(t *testing.T) {
	m := newManager(t)
	infer(t, m, Request{SessionID: "a", Inputs: dialog(1)})

	require.NoError(t, m.Drop("a"))
	assert.Empty(t, m.List())
	assert.ErrorIs(t, m.Drop("a"), ErrSessionNotFound)
}

func TestBusySessionRejectsWork(t *testing.T) {
	m := newManager(t)
	infer(t, m, Request{SessionID: "a", Inputs: dialog(1)})

	m.mu.Lock()
	s := m.sessions["a"]
	m.mu.Unlock()
	s.busy.Lock()

	_, err := m.Infer(context.Background(), Request{SessionID: "a", Inputs: dialog(2)})
	assert.ErrorIs(t, err, ErrSessionBusy)
	_, err = m.Fork(context.Background(), "a", "b")
	assert.ErrorIs(t, err, ErrSessionBusy)
	assert.ErrorIs(t, m.Drop("a"), ErrSessionBusy)

	s.busy.Unlock()
	assert.Len(t, m.List(), 1, "a rejected fork must not reserve its id")
}

func TestAdmissionHonoursContext(t *testing.T) {
	m := newManager(t, WithMaxConcurrent(1))
	require.NoError(t, m.sem.Acquire(context.Background(), 1))
	defer m.sem.Release(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Infer(ctx, Request{SessionID: "waiting", Inputs: dialog(1)})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, m.List())
}

func TestCloseRefusesWork(t *testing.T) {
	m := newManager(t)
	infer(t, m, Request{SessionID: "a", Inputs: dialog(1)})
	require.NoError(t, m.Close(context.Background()))

	assert.Empty(t, m.List())
	_, err := m.Infer(context.Background(), Request{Inputs: dialog(1)})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNewManagerValidates(t *testing.T) {
	b, err := backend.New(backend.CPU, kernel.Config{RMSNormMaxSize: 256, SoftmaxMaxSize: 256}, logger.Discard())
	require.NoError(t, err)
	w, err := weights.Synthetic(testParams(), 1)
	require.NoError(t, err)
	tr, err := transformer.New(context.Background(), w, b, transformer.WithLogger(logger.Discard()))
	require.NoError(t, err)

	_, err = NewManager(tr, WithMaxConcurrent(0))
	assert.Error(t, err)
	_, err = NewManager(tr, WithSampling(badSampling()))
	assert.Error(t, err)
}

func TestOnTokenSeesEveryToken(t *testing.T) {
	m := newManager(t)
	var seen []uint32
	res := infer(t, m, Request{Inputs: dialog(2, 7), OnToken: func(tok uint32) error {
		seen = append(seen, tok)
		return nil
	}})
	assert.Equal(t, res.Tokens, seen)

	stop := errors.New("client went away")
	_, err := m.Infer(context.Background(), Request{SessionID: "x", Inputs: dialog(2, 7), OnToken: func(uint32) error {
		return stop
	}})
	assert.ErrorIs(t, err, stop)
}
