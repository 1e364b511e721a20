package session

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestDigest(t *testing.T) {
	assert.Zero(t, Digest(nil, nil))

	a := Digest([]uint32{1, 2, 3, 4}, []int{0, 2})
	assert.Equal(t, a, Digest([]uint32{1, 2, 3, 4}, []int{0, 2}))
	assert.NotEqual(t, a, Digest([]uint32{1, 2, 3, 4}, []int{0, 3}), "boundaries are part of the digest")
	assert.NotEqual(t, a, Digest([]uint32{1, 2, 3, 5}, []int{0, 2}))
	assert.NotEqual(t, a, Digest([]uint32{1, 2, 3, 4}, []int{0}))
}

func TestStateRewind(t *testing.T) {
	st := state{history: []uint32{1, 2, 3, 4, 5}, cached: 4, dialogs: []int{0, 2, 3}}

	require.NoError(t, st.rewind(3))
	assert.Len(t, st.history, 5)

	require.NoError(t, st.rewind(1))
	assert.Equal(t, []uint32{1, 2}, st.history)
	assert.Equal(t, []int{0}, st.dialogs)
	assert.Equal(t, 2, st.cached)

	err := st.rewind(2)
	var dpe *InvalidDialogPosError
	require.ErrorAs(t, err, &dpe)
	assert.Equal(t, 1, dpe.Current)
	assert.Error(t, st.rewind(-1))
}

func TestStateAppendSkipsEmptyDialogs(t *testing.T) {
	var st state
	st.append([]Dialog{{Tokens: []uint32{1}}, {}, {Tokens: []uint32{2, 3}}})
	assert.Equal(t, []uint32{1, 2, 3}, st.history)
	assert.Equal(t, []int{0, 1}, st.dialogs)
}

func TestConcurrentSessions(t *testing.T) {
	m := newManager(t, WithMaxConcurrent(2))

	var g errgroup.Group
	results := make([]*Result, 4)
	for i := range results {
		g.Go(func() error {
			res, err := m.Infer(context.Background(), Request{
				SessionID: fmt.Sprintf("s%d", i),
				Inputs:    dialog(1, 2, 3),
			})
			results[i] = res
			return err
		})
	}
	require.NoError(t, g.Wait())
	for _, res := range results[1:] {
		assert.Equal(t, results[0].Tokens, res.Tokens)
	}
	assert.Len(t, m.List(), 4)
}
