package services

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/aihub/docqa/internal/errors"
)

func TestJobStatusStores(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	stores := map[string]JobStatusStore{
		"memory": NewMemoryStatusStore(),
		"redis":  NewRedisStatusStore(client, time.Hour),
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := store.Get(ctx, "missing")
			assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))

			status := JobStatus{JobID: "job-1", DocumentID: "doc", Filename: "a.pdf", State: JobQueued,
				UpdatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
			require.NoError(t, store.Put(ctx, status))

			status.State = JobCompleted
			status.Attempts = 1
			status.Chunks = 12
			require.NoError(t, store.Put(ctx, status))

			got, err := store.Get(ctx, "job-1")
			require.NoError(t, err)
			assert.Equal(t, status, *got)
		})
	}
}

func TestRedisStatusStore_Expires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisStatusStore(client, time.Minute)
	require.NoError(t, store.Put(context.Background(), JobStatus{JobID: "j", State: JobQueued}))
	assert.Equal(t, time.Minute, mr.TTL(statusKey("j")))

	mr.FastForward(2 * time.Minute)
	_, err := store.Get(context.Background(), "j")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
}
