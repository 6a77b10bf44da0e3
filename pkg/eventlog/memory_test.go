package eventlog

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreSequencesAreGapless(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		seq, err := s.Append(ctx, "p1", "data_published", map[string]interface{}{"i": i})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), seq)
	}

	length, err := s.Length(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), length)
}

func TestMemoryStoreConcurrentAppends(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Append(ctx, "p1", "data_published", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	events, err := s.ReadSince(ctx, "p1", 0, 1000)
	require.NoError(t, err)
	require.Len(t, events, 100)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Sequence, "sequence must be gapless and ascending")
	}
}

func TestMemoryStoreReadSincePagination(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		_, err := s.Append(ctx, "p1", "data_published", nil)
		require.NoError(t, err)
	}

	var seen []int64
	since := int64(0)
	for {
		page, err := s.ReadSince(ctx, "p1", since, 10)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, ev := range page {
			seen = append(seen, ev.Sequence)
		}
		since = page[len(page)-1].Sequence
	}

	require.Len(t, seen, 25)
	assert.Equal(t, int64(1), seen[0])
	assert.Equal(t, int64(25), seen[24])
}

func TestMemoryStoreReadSinceBeyondMax(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Append(ctx, "p1", "data_published", nil)
	require.NoError(t, err)

	events, err := s.ReadSince(ctx, "p1", 99, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestMemoryStoreProjectsAreIsolated(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Append(ctx, "p1", "data_published", nil)
	require.NoError(t, err)
	seq, err := s.Append(ctx, "p2", "data_published", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq, "sequences are per project")

	projects, err := s.Projects(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, projects)
}

func TestMemoryStoreDeleteBeforeKeepsSequences(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, "p1", "data_published", nil)
		require.NoError(t, err)
	}

	deleted, err := s.DeleteBefore(ctx, "p1", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	events, err := s.ReadSince(ctx, "p1", 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(3), events[0].Sequence)

	// New appends continue the original numbering.
	seq, err := s.Append(ctx, "p1", "data_published", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(6), seq)
}

func TestMemoryStoreRejectsEmptyProject(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Append(context.Background(), "", "data_published", nil)
	assert.ErrorIs(t, err, ErrEmptyProject)
}
