package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testItem struct {
	ID string
}

func TestRegisterAndGet(t *testing.T) {
	r := NewBaseRegistry[testItem]()

	require.NoError(t, r.Register("one", testItem{ID: "1"}))

	item, ok := r.Get("one")
	require.True(t, ok)
	assert.Equal(t, "1", item.ID)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRegisterRejectsDuplicatesAndEmptyNames(t *testing.T) {
	r := NewBaseRegistry[testItem]()

	require.NoError(t, r.Register("one", testItem{ID: "first"}))

	err := r.Register("one", testItem{ID: "second"})
	var dup *DuplicateError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "one", dup.Name)

	assert.ErrorIs(t, r.Register("", testItem{}), ErrEmptyName)
	assert.Equal(t, 1, r.Count())

	// First registration wins.
	item, _ := r.Get("one")
	assert.Equal(t, "first", item.ID)
}

func TestListAndNamesSorted(t *testing.T) {
	r := NewBaseRegistry[testItem]()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, r.Register(name, testItem{ID: name}))
	}

	assert.Equal(t, []string{"alpha", "mid", "zeta"}, r.Names())

	ids := make([]string, 0, 3)
	for _, item := range r.List() {
		ids = append(ids, item.ID)
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, ids)
}

func TestRemoveAndClear(t *testing.T) {
	r := NewBaseRegistry[testItem]()
	require.NoError(t, r.Register("one", testItem{}))

	require.NoError(t, r.Remove("one"))

	err := r.Remove("one")
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "one", notFound.Name)

	require.NoError(t, r.Register("two", testItem{}))
	r.Clear()
	assert.Equal(t, 0, r.Count())
	require.NoError(t, r.Register("two", testItem{}), "cleared names register again")
}
