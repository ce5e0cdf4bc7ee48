package store

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSet_CreateOnce(t *testing.T) {
	s := New[string, int]()

	require.True(t, s.Set("a", 1, false))
	require.False(t, s.Set("a", 2, false), "second create must fail")

	v, ok := s.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v, "losing Set must leave existing value untouched")

	require.True(t, s.Set("a", 2, true))
	v, _ = s.Get("a")
	require.Equal(t, 2, v)
}

func TestGet_AbsentAndZeroKey(t *testing.T) {
	s := New[string, int]()

	_, ok := s.Get("missing")
	require.False(t, ok)

	_, ok = s.Get("")
	require.False(t, ok, "zero key is just an absent key")
}

func TestTryUpdate_AbsentKeyDoesNotInsert(t *testing.T) {
	s := New[string, int]()

	ok := s.TryUpdate("a", func(v int) int { return v + 1 })
	require.False(t, ok)
	require.Equal(t, 0, s.Len())
}

func TestTryUpdate_NoLostUpdates(t *testing.T) {
	s := New[string, int]()
	s.Set("n", 0, false)

	const workers = 8
	const perWorker = 500

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				s.TryUpdate("n", func(v int) int { return v + 1 })
			}
		}()
	}
	wg.Wait()

	v, _ := s.Get("n")
	require.Equal(t, workers*perWorker, v)
}

func TestRemoveClearFind(t *testing.T) {
	s := New[string, string]()
	s.Set("g1", "alpha", false)
	s.Set("g2", "beta", false)

	v, ok := s.Find(func(v string) bool { return v == "beta" })
	require.True(t, ok)
	require.Equal(t, "beta", v)

	_, ok = s.Find(func(v string) bool { return v == "gamma" })
	require.False(t, ok)

	require.True(t, s.Remove("g1"))
	require.False(t, s.Remove("g1"))

	s.Clear()
	require.Equal(t, 0, s.Len())
}

func TestList_Filtered(t *testing.T) {
	s := New[int, int]()
	for i := 0; i < 5; i++ {
		s.Set(i, i, false)
	}

	evens := s.List(func(v int) bool { return v%2 == 0 })
	require.Len(t, evens, 3)
	require.Len(t, s.List(nil), 5)
}
