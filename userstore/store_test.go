package userstore

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilcore/veil/common/errors"
)

// TestAcquireSlotEnforcesMaxConcurrent confirms the active session
// count never exceeds a user's cap, even under concurrent acquisition
// attempts.
func TestAcquireSlotEnforcesMaxConcurrent(t *testing.T) {
	store := NewMemoryStore()
	store.Put(Record{Username: "alice", MaxConcurrent: 3})

	const attempts = 20
	var wg sync.WaitGroup
	permits := make(chan Permit, attempts)
	errs := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			permit, err := store.AcquireSlot("alice")
			if err != nil {
				errs <- err
				return
			}
			permits <- permit
		}()
	}
	wg.Wait()
	close(permits)
	close(errs)

	granted := 0
	for range permits {
		granted++
	}
	throttled := 0
	for err := range errs {
		require.ErrorIs(t, err, errors.ErrThrottled)
		throttled++
	}

	assert.Equal(t, 3, granted)
	assert.Equal(t, attempts-3, throttled)

	snapshot := store.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, 3, snapshot[0].ActiveSessions)
}

// TestAcquireSlotReleaseFreesSlot confirms a released permit immediately
// allows a new acquisition, and that Release is idempotent.
func TestAcquireSlotReleaseFreesSlot(t *testing.T) {
	store := NewMemoryStore()
	store.Put(Record{Username: "bob", MaxConcurrent: 1})

	permit, err := store.AcquireSlot("bob")
	require.NoError(t, err)

	_, err = store.AcquireSlot("bob")
	assert.ErrorIs(t, err, errors.ErrThrottled)

	permit.Release()
	permit.Release() // must not double-decrement

	second, err := store.AcquireSlot("bob")
	require.NoError(t, err)
	defer second.Release()

	snapshot := store.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, 1, snapshot[0].ActiveSessions)
}

func TestAcquireSlotUnknownUser(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.AcquireSlot("nobody")
	assert.ErrorIs(t, err, errors.ErrUnknownUser)
}

func TestRecordBytesAccumulatesPerDirection(t *testing.T) {
	store := NewMemoryStore()
	store.Put(Record{Username: "carol", MaxConcurrent: 1})

	store.RecordBytes("carol", DirectionIn, 100)
	store.RecordBytes("carol", DirectionIn, 50)
	store.RecordBytes("carol", DirectionOut, 7)

	snapshot := store.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, int64(150), snapshot[0].BytesIn)
	assert.Equal(t, int64(7), snapshot[0].BytesOut)
}

func TestPutAppliesDefaultMaxConcurrent(t *testing.T) {
	store := NewMemoryStore()

	store.Put(Record{Username: "eve"})
	record, err := store.LookupUser("eve")
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxConcurrent, record.MaxConcurrent)

	// A configured default applies to subsequent Puts; an explicit
	// per-record cap always wins.
	store.SetDefaultMaxConcurrent(5)
	store.Put(Record{Username: "frank"})
	record, err = store.LookupUser("frank")
	require.NoError(t, err)
	assert.Equal(t, 5, record.MaxConcurrent)

	store.Put(Record{Username: "grace", MaxConcurrent: 2})
	record, err = store.LookupUser("grace")
	require.NoError(t, err)
	assert.Equal(t, 2, record.MaxConcurrent)
}

func TestRemoveInvalidatesLookup(t *testing.T) {
	store := NewMemoryStore()
	store.Put(Record{Username: "dave", MaxConcurrent: 1})

	_, err := store.LookupUser("dave")
	require.NoError(t, err)

	store.Remove("dave")

	_, err = store.LookupUser("dave")
	assert.ErrorIs(t, err, errors.ErrUnknownUser)
}
