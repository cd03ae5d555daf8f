package arena

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveLowestFree(t *testing.T) {
	a := New[string](4)

	for want := uint16(0); want < 4; want++ {
		id, err := a.Reserve()
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}

	_, err := a.Reserve()
	assert.ErrorIs(t, err, ErrExhausted)

	a.Release(2)
	a.Release(1)
	id, err := a.Reserve()
	require.NoError(t, err)
	assert.Equal(t, uint16(1), id, "lowest released ID must be reused first")

	id, err = a.Reserve()
	require.NoError(t, err)
	assert.Equal(t, uint16(2), id)
	assert.Equal(t, 4, a.Len())
}

func TestSetGet(t *testing.T) {
	a := New[*int](2)

	assert.False(t, a.Set(0, nil), "unreserved ID cannot be set")
	id, err := a.Reserve()
	require.NoError(t, err)

	v, ok := a.Get(id)
	assert.True(t, ok)
	assert.Nil(t, v)

	n := 7
	require.True(t, a.Set(id, &n))
	v, ok = a.Get(id)
	require.True(t, ok)
	assert.Equal(t, 7, *v)

	a.Release(id)
	_, ok = a.Get(id)
	assert.False(t, ok)

	_, ok = a.Get(100)
	assert.False(t, ok)
	a.Release(100)
}

func TestValuesOrdered(t *testing.T) {
	a := New[int](8)
	for i := 0; i < 5; i++ {
		id, _ := a.Reserve()
		a.Set(id, int(id)*10)
	}
	a.Release(1)
	a.Release(3)
	assert.Equal(t, []int{0, 20, 40}, a.Values())
	assert.Equal(t, 8, a.Cap())
}

func TestConcurrentReserveUnique(t *testing.T) {
	a := New[struct{}](256)

	var wg sync.WaitGroup
	ids := make(chan uint16, 256)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 32; j++ {
				id, err := a.Reserve()
				if err == nil {
					ids <- id
				}
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint16]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate ID %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, 256)
}
