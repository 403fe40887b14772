package registry

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fcastrocs/steamidler/internal/domain"
)

func testKey(name string) domain.AccountKey {
	return domain.AccountKey{UserID: uuid.New(), AccountName: name}
}

func TestAdd_DuplicateFailsAndKeepsFirstHandle(t *testing.T) {
	r := New()
	key := testKey("alice")

	first := domain.NewSession(key, nil, nil)
	second := domain.NewSession(key, nil, nil)

	require.NoError(t, r.Add(first))

	err := r.Add(second)
	require.Error(t, err)
	assert.Equal(t, domain.KindAlreadyOnline, domain.KindOf(err))

	assert.Same(t, first, r.Get(key))
}

func TestRemove_ReturnsPriorHandle(t *testing.T) {
	r := New()
	key := testKey("alice")
	session := domain.NewSession(key, nil, nil)
	require.NoError(t, r.Add(session))

	removed := r.Remove(key)
	assert.Same(t, session, removed)
	assert.Nil(t, r.Get(key))
	assert.Nil(t, r.Remove(key))
}

func TestRemoveIf_SkipsNewerSession(t *testing.T) {
	r := New()
	key := testKey("alice")

	stale := domain.NewSession(key, nil, nil)
	require.NoError(t, r.Add(stale))
	require.Same(t, stale, r.Remove(key))

	fresh := domain.NewSession(key, nil, nil)
	require.NoError(t, r.Add(fresh))

	// Late cleanup for the stale handle must not evict the fresh one.
	assert.False(t, r.RemoveIf(key, stale))
	assert.Same(t, fresh, r.Get(key))

	assert.True(t, r.RemoveIf(key, fresh))
	assert.Nil(t, r.Get(key))
}

func TestAdd_ConcurrentOnlyOneWins(t *testing.T) {
	r := New()
	key := testKey("alice")

	const goroutines = 16
	var wg sync.WaitGroup
	errs := make([]error, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = r.Add(domain.NewSession(key, nil, nil))
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
		} else {
			assert.Equal(t, domain.KindAlreadyOnline, domain.KindOf(err))
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, r.Len())
}
