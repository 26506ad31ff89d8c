package eventfilter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyQueryMatchesEverything(t *testing.T) {
	f, err := New("")
	require.NoError(t, err)

	match, err := f.Match(context.Background(), []byte(`{"action": "opened"}`))
	require.NoError(t, err)
	assert.True(t, match)

	// even an empty payload matches
	match, err = f.Match(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, match)

	assert.Equal(t, "<match-all>", f.String())
}

func TestQueryMatch(t *testing.T) {
	f, err := New(`.action == "opened" and .pull_request.draft == false`)
	require.NoError(t, err)

	testcases := []struct {
		name    string
		payload string
		match   bool
	}{
		{
			name:    "matching",
			payload: `{"action": "opened", "pull_request": {"draft": false}}`,
			match:   true,
		},
		{
			name:    "draft",
			payload: `{"action": "opened", "pull_request": {"draft": true}}`,
			match:   false,
		},
		{
			name:    "wrong action",
			payload: `{"action": "closed", "pull_request": {"draft": false}}`,
			match:   false,
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			match, err := f.Match(context.Background(), []byte(tc.payload))
			require.NoError(t, err)
			assert.Equal(t, tc.match, match)
		})
	}
}

func TestInvalidQueryFailsCompilation(t *testing.T) {
	_, err := New(`.action ==`)
	require.Error(t, err)
}

func TestMatchErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("empty payload", func(t *testing.T) {
		f, err := New(`.action`)
		require.NoError(t, err)

		_, err = f.Match(ctx, nil)
		assert.Error(t, err)
	})

	t.Run("invalid json", func(t *testing.T) {
		f, err := New(`.action`)
		require.NoError(t, err)

		_, err = f.Match(ctx, []byte(`{`))
		assert.Error(t, err)
	})

	t.Run("non-bool result", func(t *testing.T) {
		f, err := New(`.action`)
		require.NoError(t, err)

		_, err = f.Match(ctx, []byte(`{"action": "opened"}`))
		assert.Error(t, err)
	})

	t.Run("multiple results", func(t *testing.T) {
		f, err := New(`.items[] > 1`)
		require.NoError(t, err)

		_, err = f.Match(ctx, []byte(`{"items": [1, 2]}`))
		assert.Error(t, err)
	})
}
