package sqlitedb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatTimeRoundTrips(t *testing.T) {
	in := time.Date(2025, 6, 1, 12, 0, 3, 500000000, time.UTC)
	out, err := ParseTime(FormatTime(in))
	require.NoError(t, err)
	assert.True(t, in.Equal(out))
}

func TestFormatTimeSortsLexicographically(t *testing.T) {
	// Stores rely on TEXT ORDER BY over these columns, so a whole-second
	// timestamp must sort before a fractional one in the same second.
	whole := time.Date(2025, 6, 1, 12, 0, 3, 0, time.UTC)
	fractional := whole.Add(500 * time.Millisecond)

	assert.Less(t, FormatTime(whole), FormatTime(fractional))
	assert.Less(t, FormatTime(fractional), FormatTime(whole.Add(time.Second)))
}
