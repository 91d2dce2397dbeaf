package revert

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// Test that Fail runs the hooks in reverse order.
func TestReverterFail(t *testing.T) {
	var order []int

	r := New()
	r.Add(func() { order = append(order, 1) })
	r.Add(func() { order = append(order, 2) })
	r.Fail()

	assert.Equal(t, []int{2, 1}, order)
}

// Test that Success clears the hooks.
func TestReverterSuccess(t *testing.T) {
	ran := false

	r := New()
	r.Add(func() { ran = true })
	r.Success()
	r.Fail()

	assert.False(t, ran)
}

// Test that a clone keeps its own copy of the hooks.
func TestReverterClone(t *testing.T) {
	count := 0

	r := New()
	r.Add(func() { count++ })

	clone := r.Clone()
	r.Success()

	clone.Fail()
	assert.Equal(t, 1, count)
}
