package lru

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLRU_Evict(t *testing.T) {
	var evicted []string
	q := NewLRU(Opts[string, int]{
		MaxSize: 2,
		OnEvict: func(key string, _ int) { evicted = append(evicted, key) },
	})

	q.Add("a", 1)
	q.Add("b", 2)
	_, ok := q.Get("a") // a is now the most recent
	require.True(t, ok)
	q.Add("c", 3)

	require.Equal(t, []string{"b"}, evicted)
	_, ok = q.Peek("b")
	require.False(t, ok)
	require.Equal(t, 2, q.Len())
}

func TestLRU_CostBound(t *testing.T) {
	var evicted []string
	q := NewLRU(Opts[string, []byte]{
		MaxSize: 100,
		MaxCost: 10,
		Cost:    func(b []byte) int64 { return int64(len(b)) },
		OnEvict: func(key string, _ []byte) { evicted = append(evicted, key) },
	})

	require.True(t, q.Add("a", make([]byte, 4)))
	require.True(t, q.Add("b", make([]byte, 4)))
	require.EqualValues(t, 8, q.Cost())

	// c pushes the total to 13, a is the oldest and goes.
	require.True(t, q.Add("c", make([]byte, 5)))
	require.Equal(t, []string{"a"}, evicted)
	require.EqualValues(t, 9, q.Cost())

	// Replacing b with a smaller value only adjusts the cost.
	require.True(t, q.Add("b", make([]byte, 1)))
	require.EqualValues(t, 6, q.Cost())
	require.Equal(t, 2, q.Len())

	// Too large on its own: not stored and the old b is dropped.
	require.False(t, q.Add("b", make([]byte, 11)))
	_, ok := q.Peek("b")
	require.False(t, ok)
	require.EqualValues(t, 5, q.Cost())
}

func TestLRU_Clean(t *testing.T) {
	q := NewLRU(Opts[string, int]{MaxSize: 8})
	for i, k := range []string{"x:1", "y:1", "x:2", "y:2"} {
		q.Add(k, i)
	}
	n := q.Clean(func(key string, _ int) bool { return key[0] == 'x' })
	require.Equal(t, 2, n)
	require.Equal(t, 2, q.Len())

	require.True(t, q.Del("y:1"))
	require.False(t, q.Del("y:1"))
}

func TestLRU_InvalidOpts(t *testing.T) {
	require.Panics(t, func() { NewLRU(Opts[int, int]{}) })
	require.Panics(t, func() { NewLRU(Opts[int, int]{MaxSize: 1, MaxCost: -1}) })
}
