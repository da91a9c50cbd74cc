package limiter

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ruleUser3Per1s() Rule {
	return Rule{ID: "user-3", MaxMessages: 3, Window: time.Second, TrackBy: TrackUser}
}

// Three messages pass, the fourth within the window trips the rule.
func TestRuleTripsOnFourth(t *testing.T) {
	l := New(Config{Rules: []Rule{ruleUser3Per1s()}})

	for i := 0; i < 3; i++ {
		ex, err := l.Allow("u-1", "doc-1")
		require.NoError(t, err)
		assert.Nil(t, ex, "message %d should be allowed", i+1)
	}
	ex, err := l.Allow("u-1", "doc-1")
	require.NoError(t, err)
	require.NotNil(t, ex)
	assert.Equal(t, "user-3", ex.Rule.ID)
	assert.Equal(t, "u-1", ex.ScopeKey)
	assert.Equal(t, TrackUser, ex.Rule.TrackBy)
}

func TestUserScopesAreIndependent(t *testing.T) {
	l := New(Config{Rules: []Rule{ruleUser3Per1s()}})

	for i := 0; i < 3; i++ {
		ex, err := l.Allow("u-1", "doc-1")
		require.NoError(t, err)
		require.Nil(t, ex)
	}
	// A different user is unaffected.
	ex, err := l.Allow("u-2", "doc-1")
	require.NoError(t, err)
	assert.Nil(t, ex)
}

func TestTrackByDocument(t *testing.T) {
	l := New(Config{Rules: []Rule{
		{ID: "doc-2", MaxMessages: 2, Window: time.Second, TrackBy: TrackDocument},
	}})

	// Two different users share the document scope.
	for i, user := range []string{"u-1", "u-2"} {
		ex, err := l.Allow(user, "doc-1")
		require.NoError(t, err)
		require.Nil(t, ex, "message %d", i+1)
	}
	ex, err := l.Allow("u-3", "doc-1")
	require.NoError(t, err)
	require.NotNil(t, ex)
	assert.Equal(t, "doc-1", ex.ScopeKey)
}

func TestTrackByUserDocument(t *testing.T) {
	l := New(Config{Rules: []Rule{
		{ID: "ud-1", MaxMessages: 1, Window: time.Second, TrackBy: TrackUserDocument},
	}})

	ex, err := l.Allow("u-1", "doc-1")
	require.NoError(t, err)
	require.Nil(t, ex)
	// Same user, different document: separate scope.
	ex, err = l.Allow("u-1", "doc-2")
	require.NoError(t, err)
	require.Nil(t, ex)
	// Same user and document: tripped.
	ex, err = l.Allow("u-1", "doc-1")
	require.NoError(t, err)
	require.NotNil(t, ex)
	assert.Equal(t, "u-1/doc-1", ex.ScopeKey)
}

func TestWindowExpiry(t *testing.T) {
	l := New(Config{Rules: []Rule{
		{ID: "fast", MaxMessages: 1, Window: 20 * time.Millisecond, TrackBy: TrackUser},
	}})

	ex, err := l.Allow("u-1", "doc-1")
	require.NoError(t, err)
	require.Nil(t, ex)
	ex, err = l.Allow("u-1", "doc-1")
	require.NoError(t, err)
	require.NotNil(t, ex)

	time.Sleep(25 * time.Millisecond)
	ex, err = l.Allow("u-1", "doc-1")
	require.NoError(t, err)
	assert.Nil(t, ex, "counter must reset after the window passes")
}

func TestMultipleRulesFirstTrippedWins(t *testing.T) {
	l := New(Config{Rules: []Rule{
		{ID: "loose", MaxMessages: 100, Window: time.Second, TrackBy: TrackUser},
		{ID: "tight", MaxMessages: 1, Window: time.Second, TrackBy: TrackUserDocument},
	}})

	ex, err := l.Allow("u-1", "doc-1")
	require.NoError(t, err)
	require.Nil(t, ex)
	ex, err = l.Allow("u-1", "doc-1")
	require.NoError(t, err)
	require.NotNil(t, ex)
	assert.Equal(t, "tight", ex.Rule.ID)
}

func TestAllowSize(t *testing.T) {
	l := New(Config{MaxMessageSize: 1024})
	assert.True(t, l.AllowSize(1024))
	assert.False(t, l.AllowSize(2048))

	unlimited := New(Config{})
	assert.True(t, unlimited.AllowSize(1<<30))
}

func TestBurst(t *testing.T) {
	l := New(Config{BurstRate: 1, BurstSize: 2})
	assert.True(t, l.AllowBurst("c-1"))
	assert.True(t, l.AllowBurst("c-1"))
	assert.False(t, l.AllowBurst("c-1"))
	// Other clients have their own bucket.
	assert.True(t, l.AllowBurst("c-2"))
}

func TestMemoryStoreKeysIndependent(t *testing.T) {
	s := NewMemoryStore()
	for i := int64(1); i <= 3; i++ {
		n, err := s.IncrementAndRead("a", time.Second)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
	n, err := s.IncrementAndRead("b", time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func BenchmarkAllow(b *testing.B) {
	l := New(Config{Rules: []Rule{
		{ID: "bench", MaxMessages: int64(b.N) + 1, Window: time.Hour, TrackBy: TrackUserDocument},
	}})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := l.Allow("u-1", fmt.Sprintf("doc-%d", i%8)); err != nil {
			b.Fatal(err)
		}
	}
}
