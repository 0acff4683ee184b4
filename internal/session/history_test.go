package session

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reasons(changes []Change) []string {
	out := make([]string, len(changes))
	for i, c := range changes {
		out[i] = c.Reason
	}
	return out
}

func TestHistory_Empty(t *testing.T) {
	h := newHistory(4)
	assert.Empty(t, h.snapshot())
}

func TestHistory_KeepsNewest(t *testing.T) {
	h := newHistory(3)
	for i := 0; i < 5; i++ {
		h.add(Change{Reason: fmt.Sprintf("c%d", i)})
	}

	assert.Equal(t, []string{"c2", "c3", "c4"}, reasons(h.snapshot()))
}

func TestHistory_SnapshotIsACopy(t *testing.T) {
	h := newHistory(2)
	h.add(Change{Reason: "a"})

	snap := h.snapshot()
	require.Len(t, snap, 1)
	snap[0].Reason = "mutated"

	assert.Equal(t, []string{"a"}, reasons(h.snapshot()))
}

func TestHistory_NonPositiveLimit(t *testing.T) {
	h := newHistory(0)
	h.add(Change{Reason: "a"})
	h.add(Change{Reason: "b"})
	assert.Equal(t, []string{"b"}, reasons(h.snapshot()))
}
