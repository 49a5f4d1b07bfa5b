package keyed

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLockSerializesSameKey(t *testing.T) {
	// WHAT: callers sharing a key never overlap; the map is empty afterwards.
	// WHY: admission checks count then insert under this lock.
	var k Mutex
	var wg sync.WaitGroup
	inside, maxInside := 0, 0
	var mu sync.Mutex
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("ws-1")
			defer unlock()
			mu.Lock()
			inside++
			maxInside = max(maxInside, inside)
			mu.Unlock()
			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxInside)
	assert.Equal(t, 0, k.Len())
}

func TestLockDistinctKeysIndependent(t *testing.T) {
	var k Mutex
	a := k.Lock("a")
	b := k.Lock("b") // must not block
	assert.Equal(t, 2, k.Len())
	a()
	b()
	assert.Equal(t, 0, k.Len())
}
