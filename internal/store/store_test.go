package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMatchLifecycle(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	uut := openTestStore(t)

	start := time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)
	created, err := uut.CreateMatch(ctx, Match{
		Sport: "football", HomeTeam: "Lions", AwayTeam: "Tigers", StartTime: start,
	})
	require.NoError(t, err)
	assert.NotZero(created.ID)
	assert.Equal("scheduled", created.Status)
	assert.True(start.Equal(created.StartTime))
	assert.Nil(created.EndTime)

	end := start.Add(2 * time.Hour)
	second, err := uut.CreateMatch(ctx, Match{
		Sport: "football", HomeTeam: "Bears", AwayTeam: "Wolves", Status: "finished",
		StartTime: start, EndTime: &end, HomeScore: 2, AwayScore: 1,
	})
	require.NoError(t, err)
	require.NotNil(t, second.EndTime)
	assert.True(end.Equal(*second.EndTime))

	matches, err := uut.ListMatches(ctx, 10)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(second.ID, matches[0].ID)

	_, err = uut.GetMatch(ctx, 999)
	assert.ErrorIs(err, ErrNotFound)
}

func TestCommentary(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	uut := openTestStore(t)

	m, err := uut.CreateMatch(ctx, Match{Sport: "cricket", HomeTeam: "A", AwayTeam: "B", StartTime: time.Now()})
	require.NoError(t, err)

	minute := 12
	c, err := uut.CreateCommentary(ctx, Commentary{MatchID: m.ID, Minute: &minute, Message: "Four runs"})
	require.NoError(t, err)
	assert.NotZero(c.ID)

	_, err = uut.CreateCommentary(ctx, Commentary{MatchID: m.ID, Message: "Drinks break"})
	require.NoError(t, err)

	entries, err := uut.ListCommentary(ctx, m.ID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal("Drinks break", entries[0].Message)
	assert.Nil(entries[0].Minute)
	require.NotNil(t, entries[1].Minute)
	assert.Equal(12, *entries[1].Minute)

	_, err = uut.CreateCommentary(ctx, Commentary{MatchID: 404, Message: "x"})
	assert.ErrorIs(err, ErrNotFound)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), " ")
	assert.Error(t, err)
}
