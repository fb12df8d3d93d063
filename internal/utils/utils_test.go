package utils

import (
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalPair(t *testing.T) {
	a1, b1 := CanonicalPair("bob", "alice")
	a2, b2 := CanonicalPair("alice", "bob")

	assert.Equal(t, "alice", a1)
	assert.Equal(t, "bob", b1)
	assert.Equal(t, a1, a2)
	assert.Equal(t, b1, b2)

	a, b := CanonicalPair(" x ", "x")
	assert.Equal(t, a, b, "surrounding whitespace is not part of an id")
}

func TestDigest(t *testing.T) {
	d := NewDigest()
	n, err := io.Copy(d, strings.NewReader("hello world"))
	require.NoError(t, err)

	assert.Equal(t, int64(11), n)
	assert.Equal(t, int64(11), d.Size())
	assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", d.Sum())
	assert.Equal(t, d.Sum(), HashBytes([]byte("hello world")))
}

func TestKeyedMutex(t *testing.T) {
	k := NewKeyedMutex()
	unlock := k.Lock("a")

	other := k.Lock("b")
	other()

	acquired := make(chan struct{})
	go func() {
		release := k.Lock("a")
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a locked key")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the released key")
	}

	require.Eventually(t, func() bool { return k.Len() == 0 }, time.Second, time.Millisecond)
}

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	k := NewKeyedMutex()
	var wg sync.WaitGroup
	var inside, maxInside int
	var mu sync.Mutex
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("hash")
			defer unlock()
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxInside)
	assert.Zero(t, k.Len())
}
