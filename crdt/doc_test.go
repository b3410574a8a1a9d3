package crdt

import (
	"errors"
	"testing"

	"collab-server/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustEncode(t *testing.T, u Update) []byte {
	t.Helper()
	b, err := Encode(u)
	require.NoError(t, err)
	return b
}

func permutations(n int) [][]int {
	if n == 0 {
		return [][]int{{}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			next := make([]int, 0, n)
			next = append(next, p[:i]...)
			next = append(next, n-1)
			next = append(next, p[i:]...)
			out = append(out, next)
		}
	}
	return out
}

// concurrentDeltas produces deltas from two replicas editing the same
// document concurrently, including deltas that depend on each other.
func concurrentDeltas(t *testing.T) [][]byte {
	t.Helper()
	alice := NewDoc("alice")
	bob := NewDoc("bob")

	d1, err := alice.Insert(0, "hello")
	require.NoError(t, err)
	require.NoError(t, bob.ApplyUpdate(mustEncode(t, d1)))

	d2, err := alice.Insert(5, " world")
	require.NoError(t, err)
	d3, err := bob.Insert(0, ">> ")
	require.NoError(t, err)
	d4, err := bob.Delete(3, 1)
	require.NoError(t, err)
	d5, err := bob.Insert(7, "!")
	require.NoError(t, err)

	return [][]byte{
		mustEncode(t, d1),
		mustEncode(t, d2),
		mustEncode(t, d3),
		mustEncode(t, d4),
		mustEncode(t, d5),
	}
}

func TestConvergenceAcrossPermutations(t *testing.T) {
	deltas := concurrentDeltas(t)

	var wantState []byte
	var wantText string
	for _, perm := range permutations(len(deltas)) {
		doc := NewDoc("server")
		for _, idx := range perm {
			require.NoError(t, doc.ApplyUpdate(deltas[idx]))
		}
		state, err := doc.EncodeState()
		require.NoError(t, err)
		if wantState == nil {
			wantState = state
			wantText = doc.Text()
			continue
		}
		assert.Equal(t, wantState, state, "permutation %v", perm)
		assert.Equal(t, wantText, doc.Text(), "permutation %v", perm)
		assert.Zero(t, doc.Pending())
	}
	assert.Equal(t, ">> ello! world", wantText)
}

func TestIdempotentRedelivery(t *testing.T) {
	deltas := concurrentDeltas(t)

	once := NewDoc("one")
	for _, d := range deltas {
		require.NoError(t, once.ApplyUpdate(d))
	}
	want, err := once.EncodeState()
	require.NoError(t, err)

	many := NewDoc("many")
	for round := 0; round < 3; round++ {
		for i := len(deltas) - 1; i >= 0; i-- {
			require.NoError(t, many.ApplyUpdate(deltas[i]))
		}
	}
	got, err := many.EncodeState()
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, once.Text(), many.Text())
}

func TestOutOfOrderDeliveryParksItems(t *testing.T) {
	src := NewDoc("alice")
	first, err := src.Insert(0, "ab")
	require.NoError(t, err)
	second, err := src.Insert(2, "cd")
	require.NoError(t, err)

	dst := NewDoc("bob")
	require.NoError(t, dst.ApplyUpdate(mustEncode(t, second)))
	assert.Equal(t, "", dst.Text())
	assert.Equal(t, 2, dst.Pending())

	require.NoError(t, dst.ApplyUpdate(mustEncode(t, first)))
	assert.Equal(t, "abcd", dst.Text())
	assert.Zero(t, dst.Pending())
}

func TestDeleteBeforeInsertArrives(t *testing.T) {
	src := NewDoc("alice")
	ins, err := src.Insert(0, "xyz")
	require.NoError(t, err)
	del, err := src.Delete(1, 1)
	require.NoError(t, err)

	dst := NewDoc("bob")
	require.NoError(t, dst.ApplyUpdate(mustEncode(t, del)))
	require.NoError(t, dst.ApplyUpdate(mustEncode(t, ins)))
	assert.Equal(t, "xz", dst.Text())
	assert.Equal(t, src.Text(), dst.Text())
}

func TestConcurrentInsertsAtSamePosition(t *testing.T) {
	alice := NewDoc("alice")
	bob := NewDoc("bob")

	a, err := alice.Insert(0, "A")
	require.NoError(t, err)
	b, err := bob.Insert(0, "B")
	require.NoError(t, err)

	require.NoError(t, alice.ApplyUpdate(mustEncode(t, b)))
	require.NoError(t, bob.ApplyUpdate(mustEncode(t, a)))

	assert.Equal(t, alice.Text(), bob.Text())
	assert.Len(t, alice.Text(), 2)
}

func TestInsertInMiddleThenDeleteAll(t *testing.T) {
	doc := NewDoc("alice")
	_, err := doc.Insert(0, "ac")
	require.NoError(t, err)
	_, err = doc.Insert(1, "b")
	require.NoError(t, err)
	assert.Equal(t, "abc", doc.Text())

	_, err = doc.Delete(0, 3)
	require.NoError(t, err)
	assert.Equal(t, "", doc.Text())
	assert.Equal(t, 0, doc.Len())
}

func TestInsertDeleteOutOfRange(t *testing.T) {
	doc := NewDoc("alice")
	_, err := doc.Insert(1, "x")
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = doc.Insert(0, "x")
	require.NoError(t, err)
	_, err = doc.Delete(0, 2)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = doc.Delete(-1, 1)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestDecodeErrorLeavesStateUntouched(t *testing.T) {
	doc := NewDoc("server")
	seed := NewDoc("alice")
	u, err := seed.Insert(0, "keep")
	require.NoError(t, err)
	require.NoError(t, doc.ApplyUpdate(mustEncode(t, u)))

	before, err := doc.EncodeState()
	require.NoError(t, err)

	bad := [][]byte{
		nil,
		{0xc1},
		mustEncode(t, u)[:3],
		mustEncode(t, Update{Items: []Item{{ID: ID{Clock: 0, Client: "x"}, Value: "a"}}}),
		mustEncode(t, Update{Items: []Item{{ID: ID{Clock: 2, Client: "x"}, Origin: ID{Clock: 5, Client: "x"}, Value: "a"}}}),
		mustEncode(t, Update{Items: []Item{{ID: ID{Clock: 9, Client: "x"}, Value: "ab"}}}),
		mustEncode(t, Update{Deletes: []ID{{Clock: 1}}}),
	}
	for i, data := range bad {
		err := doc.ApplyUpdate(data)
		require.Error(t, err, "case %d", i)
		assert.True(t, errors.Is(err, core.ErrDecode), "case %d: %v", i, err)
	}

	after, err := doc.EncodeState()
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, "keep", doc.Text())
}

func TestStateRoundTripSeedsNewReplica(t *testing.T) {
	src := NewDoc("alice")
	_, err := src.Insert(0, "shared text")
	require.NoError(t, err)
	_, err = src.Delete(0, 7)
	require.NoError(t, err)

	state, err := src.EncodeState()
	require.NoError(t, err)

	dst := NewDoc("bob")
	require.NoError(t, dst.ApplyUpdate(state))
	assert.Equal(t, "text", dst.Text())

	// bob continues editing after being seeded and alice converges
	u, err := dst.Insert(4, "!")
	require.NoError(t, err)
	require.NoError(t, src.ApplyUpdate(mustEncode(t, u)))
	assert.Equal(t, "text!", src.Text())
}

func TestEmptyDocumentsEncodeIdentically(t *testing.T) {
	a, err := NewDoc("a").EncodeState()
	require.NoError(t, err)
	b, err := NewDoc("b").EncodeState()
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestConflictingItemCopiesConverge(t *testing.T) {
	first := mustEncode(t, Update{Items: []Item{{ID: ID{Clock: 1, Client: "p"}, Value: "x"}}})
	second := mustEncode(t, Update{Items: []Item{{ID: ID{Clock: 1, Client: "p"}, Value: "y"}}})

	r1 := NewDoc("r1")
	require.NoError(t, r1.ApplyUpdate(first))
	require.NoError(t, r1.ApplyUpdate(second))

	r2 := NewDoc("r2")
	require.NoError(t, r2.ApplyUpdate(second))
	require.NoError(t, r2.ApplyUpdate(first))

	assert.Equal(t, "x", r1.Text())
	assert.Equal(t, r1.Text(), r2.Text())

	s1, err := r1.EncodeState()
	require.NoError(t, err)
	s2, err := r2.EncodeState()
	require.NoError(t, err)
	assert.Equal(t, s1, s2)
}

func TestConflictingOriginsMoveDescendants(t *testing.T) {
	a := ID{Clock: 1, Client: "a"}
	c := ID{Clock: 2, Client: "c"}
	p := ID{Clock: 3, Client: "p"}
	deltas := [][]byte{
		mustEncode(t, Update{Items: []Item{{ID: a, Value: "a"}}}),
		mustEncode(t, Update{Items: []Item{{ID: c, Value: "c"}}}),
		mustEncode(t, Update{Items: []Item{{ID: p, Origin: a, Value: "p"}}}),
		mustEncode(t, Update{Items: []Item{{ID: p, Origin: c, Value: "q"}}}),
		mustEncode(t, Update{Items: []Item{{ID: ID{Clock: 4, Client: "k"}, Origin: p, Value: "k"}}}),
	}

	var wantState []byte
	var wantText string
	for _, perm := range permutations(len(deltas)) {
		doc := NewDoc("server")
		for _, idx := range perm {
			require.NoError(t, doc.ApplyUpdate(deltas[idx]))
		}
		state, err := doc.EncodeState()
		require.NoError(t, err)
		assert.Zero(t, doc.Pending(), "permutation %v", perm)
		if wantState == nil {
			wantState = state
			wantText = doc.Text()
			continue
		}
		assert.Equal(t, wantState, state, "permutation %v", perm)
		assert.Equal(t, wantText, doc.Text(), "permutation %v", perm)
	}
	// a@1 sorts before c@2, so the copy anchored to "a" wins.
	assert.Equal(t, "capk", wantText)
}
