package lnutils

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestLogClosureLazy asserts that the wrapped function only runs once the
// closure is formatted.
func TestLogClosureLazy(t *testing.T) {
	t.Parallel()

	calls := 0
	c := NewLogClosure(func() string {
		calls++
		return "expensive"
	})
	require.Zero(t, calls)

	require.Equal(t, "value=expensive", fmt.Sprintf("value=%v", c))
	require.Equal(t, 1, calls)

	require.Contains(t, SpewLogClosure(struct{ A int }{A: 7}).String(),
		"A: (int) 7")
}
