package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encode(t *testing.T, u Update) []byte {
	t.Helper()
	data, err := u.Encode()
	require.NoError(t, err)
	return data
}

func TestLocalInsertAndDelete(t *testing.T) {
	d := New("site-a")

	d.Insert(0, "hello")
	assert.Equal(t, "hello", d.Text())

	d.Insert(5, " world")
	assert.Equal(t, "hello world", d.Text())

	d.Delete(0, 6)
	assert.Equal(t, "world", d.Text())
	assert.Equal(t, 5, d.Len())
}

func TestInsertInMiddle(t *testing.T) {
	d := New("site-a")
	d.Insert(0, "ac")
	d.Insert(1, "b")
	assert.Equal(t, "abc", d.Text())
}

func TestInsertClampsIndexToBounds(t *testing.T) {
	d := New("site-a")
	d.Insert(0, "ab")

	// Past the end appends rather than landing near the front.
	d.Insert(5, "X")
	assert.Equal(t, "abX", d.Text())

	d.Insert(-2, "Y")
	assert.Equal(t, "YabX", d.Text())
}

func TestConvergenceAnyOrder(t *testing.T) {
	a := New("site-a")
	b := New("site-b")

	// Concurrent edits on both replicas before any exchange.
	ua1 := a.Insert(0, "left")
	ub1 := b.Insert(0, "right")
	ua2 := a.Insert(4, "!")
	ub2 := b.Delete(0, 1)

	// Deliver in opposite orders.
	for _, u := range []Update{ub1, ub2} {
		require.NoError(t, a.ApplyUpdate(encode(t, u)))
	}
	for _, u := range []Update{ua2, ua1} {
		require.NoError(t, b.ApplyUpdate(encode(t, u)))
	}

	assert.Equal(t, a.Text(), b.Text())

	sa, err := a.EncodeState()
	require.NoError(t, err)
	sb, err := b.EncodeState()
	require.NoError(t, err)
	assert.Equal(t, sa, sb, "converged replicas must encode identically")
}

func TestApplyIsIdempotent(t *testing.T) {
	a := New("site-a")
	b := New("site-b")

	u := a.Insert(0, "abc")
	data := encode(t, u)

	require.NoError(t, b.ApplyUpdate(data))
	require.NoError(t, b.ApplyUpdate(data))
	require.NoError(t, b.ApplyUpdate(data))

	assert.Equal(t, "abc", b.Text())
}

func TestDeleteBeforeInsertArrives(t *testing.T) {
	a := New("site-a")
	b := New("site-b")

	ins := a.Insert(0, "x")
	del := a.Delete(0, 1)

	// Delete arrives first; it must park until its target shows up.
	require.NoError(t, b.ApplyUpdate(encode(t, del)))
	assert.Equal(t, "", b.Text())

	require.NoError(t, b.ApplyUpdate(encode(t, ins)))
	assert.Equal(t, "", b.Text())
}

func TestStateRoundTrip(t *testing.T) {
	a := New("site-a")
	a.Insert(0, "persistent")
	a.Delete(0, 3)

	state, err := a.EncodeState()
	require.NoError(t, err)

	b := New("site-b")
	require.NoError(t, b.ApplyState(state))
	assert.Equal(t, a.Text(), b.Text())

	state2, err := b.EncodeState()
	require.NoError(t, err)
	assert.Equal(t, state, state2)
}

func TestEncodeStateAsUpdateSince(t *testing.T) {
	a := New("site-a")
	a.Insert(0, "old")

	b := New("site-b")
	full, err := a.EncodeStateAsUpdate(nil)
	require.NoError(t, err)
	require.NoError(t, b.ApplyUpdate(full))
	require.Equal(t, "old", b.Text())

	seen := a.Version()
	a.Insert(3, "new")

	delta, err := a.EncodeStateAsUpdate(seen)
	require.NoError(t, err)
	require.NoError(t, b.ApplyUpdate(delta))
	assert.Equal(t, "oldnew", b.Text())
}

func TestVersionVector(t *testing.T) {
	a := New("site-a")
	a.Insert(0, "ab")

	v := a.Version()
	assert.Equal(t, uint64(2), v["site-a"])
	assert.True(t, v.Covers(ItemID{Site: "site-a", Clock: 1}))
	assert.False(t, v.Covers(ItemID{Site: "site-a", Clock: 3}))
	assert.False(t, v.Covers(ItemID{Site: "site-b", Clock: 1}))
}

func TestPositionBetween(t *testing.T) {
	cases := []struct {
		name        string
		left, right []int
	}{
		{"document edges", nil, nil},
		{"adjacent values", []int{5}, []int{6}},
		{"descend a level", []int{5}, []int{5, 1}},
		{"deep neighbors", []int{5, 3}, []int{5, 4}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := positionBetween(tc.left, tc.right)
			if tc.left != nil {
				assert.Negative(t, comparePositions(tc.left, p))
			}
			if tc.right != nil {
				assert.Negative(t, comparePositions(p, tc.right))
			}
		})
	}
}
