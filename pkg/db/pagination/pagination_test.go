package pagination

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	token, err := EncodeCursor(Cursor{ID: "42", CreatedAt: "2026-01-02T03:04:05Z"})
	require.NoError(t, err)

	cursor, err := DecodeCursor(token)
	require.NoError(t, err)
	assert.Equal(t, "42", cursor.ID)

	_, err = DecodeCursor("not base64!")
	assert.Error(t, err)
}

func TestPage(t *testing.T) {
	rows := []int{1, 2, 3}
	toCursor := func(v int) Cursor { return Cursor{ID: strconv.Itoa(v)} }

	kept, info := Page(rows, 2, toCursor)
	assert.Equal(t, []int{1, 2}, kept)
	assert.True(t, info.HasMore)

	cursor, err := DecodeCursor(info.NextPageToken)
	require.NoError(t, err)
	assert.Equal(t, "2", cursor.ID)

	kept, info = Page(rows, 5, toCursor)
	assert.Len(t, kept, 3)
	assert.False(t, info.HasMore)
}
