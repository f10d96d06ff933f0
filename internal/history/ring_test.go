// ABOUTME: Tests for the bounded history ring: eviction order, scoped wipe,
// ABOUTME: and compaction toward a target size.

package history

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/space-gateway/internal/envelope"
)

func from(sender, id string) *envelope.Envelope {
	e := envelope.New("chat/message", map[string]any{"n": id})
	e.ID = id
	e.From = sender
	return e
}

func TestAppendEvictsOldestFirst(t *testing.T) {
	r := New(3)
	for i := 0; i < 5; i++ {
		r.Append(from("a", fmt.Sprintf("e%d", i)))
	}

	require.Equal(t, 3, r.Len())
	got := r.Recent(0)
	require.Len(t, got, 3)
	assert.Equal(t, "e2", got[0].ID)
	assert.Equal(t, "e4", got[2].ID)
}

func TestRecentLimit(t *testing.T) {
	r := New(10)
	for i := 0; i < 4; i++ {
		r.Append(from("a", fmt.Sprintf("e%d", i)))
	}

	got := r.Recent(2)
	require.Len(t, got, 2)
	assert.Equal(t, "e2", got[0].ID)
	assert.Equal(t, "e3", got[1].ID)

	assert.Len(t, r.Recent(99), 4)
}

func TestClearParticipantScoped(t *testing.T) {
	r := New(10)
	r.Append(from("a", "e1"))
	r.Append(from("b", "e2"))
	addressed := from("c", "e3")
	addressed.To = []string{"a"}
	r.Append(addressed)

	removed := r.Clear("a")
	assert.Equal(t, 2, removed)
	require.Equal(t, 1, r.Len())
	assert.Equal(t, "e2", r.Recent(0)[0].ID)
}

func TestClearAll(t *testing.T) {
	r := New(10)
	r.Append(from("a", "e1"))
	r.Append(from("b", "e2"))

	assert.Equal(t, 2, r.Clear(""))
	assert.Equal(t, 0, r.Len())
}

func TestCompactTo(t *testing.T) {
	r := New(10)
	for i := 0; i < 5; i++ {
		r.Append(from("a", fmt.Sprintf("a%d", i)))
	}
	r.Append(from("b", "b0"))

	removed := r.CompactTo("a", 2)
	assert.Equal(t, 3, removed)
	assert.Equal(t, 2, r.ParticipantLen("a"))

	// Oldest entries dropped, newest kept, other participants untouched.
	ids := make([]string, 0)
	for _, e := range r.Recent(0) {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"a3", "a4", "b0"}, ids)

	// Already at or below target is a no-op.
	assert.Equal(t, 0, r.CompactTo("a", 2))
}
