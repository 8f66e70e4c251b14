package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckArgument(t *testing.T) {
	t.Run("flags sql injection", func(t *testing.T) {
		f := CheckArgument("name", "'; DROP TABLE users--")
		require.NotNil(t, f)
		assert.True(t, f.IsSQLi)
		assert.Equal(t, "name", f.Argument)
		assert.NotEmpty(t, f.Fingerprint)
	})

	t.Run("flags union select", func(t *testing.T) {
		f := CheckArgument("q", "1' UNION SELECT password FROM users--")
		require.NotNil(t, f)
		assert.True(t, f.IsSQLi)
	})

	t.Run("passes ordinary values", func(t *testing.T) {
		assert.Nil(t, CheckArgument("name", "Acme Corp"))
		assert.Nil(t, CheckArgument("email", "ada@example.com"))
		assert.Nil(t, CheckArgument("note", "it's fine"))
	})

	t.Run("ignores non-strings", func(t *testing.T) {
		assert.Nil(t, CheckArgument("limit", 25))
		assert.Nil(t, CheckArgument("active", true))
		assert.Nil(t, CheckArgument("tags", []any{"'; DROP TABLE users--"}))
		assert.Nil(t, CheckArgument("empty", nil))
	})
}

func TestCheckArguments(t *testing.T) {
	findings := CheckArguments(map[string]any{
		"name":  "Acme Corp",
		"query": "' OR 1=1--",
		"limit": 10,
	})
	require.Len(t, findings, 1)
	assert.Equal(t, "query", findings[0].Argument)

	assert.Empty(t, CheckArguments(map[string]any{"name": "plain"}))
	assert.Empty(t, CheckArguments(nil))
}
