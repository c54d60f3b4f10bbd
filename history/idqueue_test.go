package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIDQueue(t *testing.T) {
	t.Run("SequentialAssignment", func(t *testing.T) {
		q := NewIDQueue()
		assert.Equal(t, uint8(1), q.NextID("alice"))
		assert.Equal(t, uint8(2), q.NextID("bob"))
	})

	t.Run("RejoinGetsSameID", func(t *testing.T) {
		q := NewIDQueue()
		id := q.NextID("alice")
		q.SetIDForName(id, "alice")
		q.Release(id)
		// Someone else churns through ids in between.
		other := q.NextID("bob")
		assert.NotEqual(t, id, other)
		assert.Equal(t, id, q.NextID("alice"))
	})

	t.Run("FreedIDsReusedLate", func(t *testing.T) {
		q := NewIDQueue()
		first := q.NextID("a")
		q.Release(first)
		// The freed id goes to the back of the queue, so the next taker
		// gets a fresh one.
		assert.NotEqual(t, first, q.NextID("b"))
	})

	t.Run("Exhaustion", func(t *testing.T) {
		q := NewIDQueue()
		for i := 0; i < 254; i++ {
			assert.NotZero(t, q.NextID("user"))
		}
		assert.Zero(t, q.NextID("one-too-many"))
	})

	t.Run("DoubleReleaseIsHarmless", func(t *testing.T) {
		q := NewIDQueue()
		id := q.NextID("a")
		q.Release(id)
		q.Release(id)
		seen := make(map[uint8]bool)
		for i := 0; i < 254; i++ {
			got := q.NextID("x")
			assert.False(t, seen[got], "id %d handed out twice", got)
			seen[got] = true
		}
	})
}
