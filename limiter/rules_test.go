package limiter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRule(t *testing.T) {
	rule, err := ParseRule("doc-writes:user-document:120/1m")
	require.NoError(t, err)
	assert.Equal(t, "doc-writes", rule.ID)
	assert.Equal(t, TrackUserDocument, rule.TrackBy)
	assert.Equal(t, int64(120), rule.MaxMessages)
	assert.Equal(t, time.Minute, rule.Window)
}

func TestParseRule_Invalid(t *testing.T) {
	for _, spec := range []string{
		"",
		"writes",
		"writes:user",
		"writes:tenant:10/1m",
		"writes:user:zero/1m",
		"writes:user:0/1m",
		"writes:user:10/soon",
		":user:10/1m",
	} {
		_, err := ParseRule(spec)
		assert.Error(t, err, "spec %q should not parse", spec)
	}
}

func TestParseRules(t *testing.T) {
	rules, err := ParseRules([]string{
		"a:user:10/30s",
		"b:document:500/1h",
	})
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, TrackDocument, rules[1].TrackBy)
}
