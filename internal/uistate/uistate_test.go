package uistate_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"suiterunner/internal/uistate"
)

func TestStore_Lock(t *testing.T) {
	s := uistate.New()
	assert.False(t, s.Lock().Locked)

	lock := s.SetLock(true, "tester")
	assert.True(t, lock.Locked)
	assert.Equal(t, "tester", lock.Owner.String)
	assert.Equal(t, lock, s.Lock())

	lock = s.SetLock(false, "tester")
	assert.False(t, lock.Locked)
	assert.False(t, lock.Owner.Valid, "releasing the lock forgets the owner")
}

func TestStore_Merge(t *testing.T) {
	s := uistate.New()

	state := s.Merge(map[string]any{"a": 1, "b": map[string]any{"x": true}})
	assert.Equal(t, 1, state["a"])

	state = s.Merge(map[string]any{"b": map[string]any{"y": 2}, "c": "v"})
	assert.Equal(t, map[string]any{"y": 2}, state["b"], "nested values are replaced, not merged")
	assert.Equal(t, "v", state["c"])
	assert.Equal(t, 1, state["a"])
	assert.Equal(t, state, s.State())

	state["a"] = 99
	assert.Equal(t, 1, s.State()["a"], "callers get a copy")
}

func TestStore_Concurrent(t *testing.T) {
	s := uistate.New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Merge(map[string]any{"last": i})
			s.SetLock(i%2 == 0, "owner")
			_ = s.State()
		}(i)
	}
	wg.Wait()
	assert.Contains(t, s.State(), "last")
}
