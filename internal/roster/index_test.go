package roster

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alwaysLive(string) bool { return true }

func TestIndex_JoinAndSubscribers(t *testing.T) {
	idx := NewIndex(alwaysLive)

	require.NoError(t, idx.Join("c1", "r1"))
	require.NoError(t, idx.Join("c2", "r1"))
	require.NoError(t, idx.Join("c1", "r2"))

	assert.ElementsMatch(t, []string{"c1", "c2"}, idx.SubscribersOf("r1"))
	assert.ElementsMatch(t, []string{"c1"}, idx.SubscribersOf("r2"))
	assert.ElementsMatch(t, []string{"r1", "r2"}, idx.RoomsOf("c1"))
}

func TestIndex_JoinDeadConnection(t *testing.T) {
	idx := NewIndex(func(string) bool { return false })

	err := idx.Join("ghost", "r1")
	require.ErrorIs(t, err, ErrConnectionUnknown)
	assert.Empty(t, idx.SubscribersOf("r1"))
}

func TestIndex_JoinIsIdempotent(t *testing.T) {
	idx := NewIndex(alwaysLive)

	require.NoError(t, idx.Join("c1", "r1"))
	require.NoError(t, idx.Join("c1", "r1"))

	assert.Len(t, idx.SubscribersOf("r1"), 1)
	assert.Len(t, idx.RoomsOf("c1"), 1)
}

func TestIndex_LeaveIsIdempotent(t *testing.T) {
	idx := NewIndex(alwaysLive)
	require.NoError(t, idx.Join("c1", "r1"))

	idx.Leave("c1", "r1")
	idx.Leave("c1", "r1")
	idx.Leave("never", "nowhere")

	assert.Empty(t, idx.SubscribersOf("r1"))
	assert.Empty(t, idx.RoomsOf("c1"))
}

func TestIndex_CleanupConnection(t *testing.T) {
	idx := NewIndex(alwaysLive)
	require.NoError(t, idx.Join("c1", "r1"))
	require.NoError(t, idx.Join("c1", "r2"))
	require.NoError(t, idx.Join("c2", "r1"))

	idx.CleanupConnection("c1")

	assert.Empty(t, idx.RoomsOf("c1"))
	assert.ElementsMatch(t, []string{"c2"}, idx.SubscribersOf("r1"))
	assert.Empty(t, idx.SubscribersOf("r2"))

	// Second cleanup is a no-op.
	idx.CleanupConnection("c1")
	assert.Empty(t, idx.RoomsOf("c1"))
}

func TestIndex_EvictUser(t *testing.T) {
	idx := NewIndex(alwaysLive)
	require.NoError(t, idx.Join("b1", "r1"))
	require.NoError(t, idx.Join("b2", "r1"))
	require.NoError(t, idx.Join("b1", "r2"))
	require.NoError(t, idx.Join("other", "r1"))

	evicted := idx.EvictUser("r1", []string{"b1", "b2"})

	assert.ElementsMatch(t, []string{"b1", "b2"}, evicted)
	assert.ElementsMatch(t, []string{"other"}, idx.SubscribersOf("r1"))
	// Subscriptions to other rooms survive eviction.
	assert.ElementsMatch(t, []string{"r2"}, idx.RoomsOf("b1"))

	// Evicting again finds nothing.
	assert.Empty(t, idx.EvictUser("r1", []string{"b1", "b2"}))
}

// Inverse consistency: connection in subscribers(room) iff room in
// rooms(connection), at every quiescent point.
func verifyInverse(t *testing.T, idx *Index, conns, rooms []string) {
	t.Helper()
	for _, room := range rooms {
		for _, sub := range idx.SubscribersOf(room) {
			assert.Contains(t, idx.RoomsOf(sub), room)
		}
	}
	for _, conn := range conns {
		for _, room := range idx.RoomsOf(conn) {
			assert.Contains(t, idx.SubscribersOf(room), conn)
		}
	}
}

func TestIndex_InverseConsistencyUnderConcurrency(t *testing.T) {
	idx := NewIndex(alwaysLive)

	var conns, rooms []string
	for i := 0; i < 8; i++ {
		conns = append(conns, fmt.Sprintf("c%d", i))
	}
	for i := 0; i < 4; i++ {
		rooms = append(rooms, fmt.Sprintf("r%d", i))
	}

	var wg sync.WaitGroup
	for i, conn := range conns {
		wg.Add(1)
		go func(i int, conn string) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				room := rooms[(i+j)%len(rooms)]
				_ = idx.Join(conn, room)
				if j%3 == 0 {
					idx.Leave(conn, room)
				}
				if j%50 == 0 {
					idx.CleanupConnection(conn)
				}
			}
		}(i, conn)
	}
	wg.Wait()

	verifyInverse(t, idx, conns, rooms)
}

func TestIndex_Stats(t *testing.T) {
	idx := NewIndex(alwaysLive)
	require.NoError(t, idx.Join("c1", "r1"))
	require.NoError(t, idx.Join("c2", "r1"))

	stats := idx.Stats()
	assert.Equal(t, 1, stats["active_rooms"])
	assert.Equal(t, 2, stats["subscriptions"])
}
