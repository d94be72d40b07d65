package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bsvalues/BCBSWebhub/internal/protocol"
)

func terminalTask(status protocol.TaskStatus, completedAt time.Time) *protocol.Task {
	t := protocol.NewTask("echo", map[string]any{"k": "v"}, protocol.PriorityMedium)
	t.Status = status
	t.CompletedAt = completedAt
	if status == protocol.TaskCompleted {
		t.Result = map[string]any{"ok": true}
	} else {
		t.Error = "boom"
	}
	return t
}

// storeUnderTest runs the same contract against every backend.
func storeUnderTest(t *testing.T, name string, mk func(t *testing.T) Store) {
	t.Run(name+"/archive and get", func(t *testing.T) {
		s := mk(t)
		defer s.Close()
		ctx := context.Background()

		task := terminalTask(protocol.TaskCompleted, time.Now().UTC())
		rec := NewRecord(task, "echo")
		require.NoError(t, s.Archive(ctx, rec))

		got, err := s.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, task.ID, got.TaskID)
		assert.Equal(t, protocol.TaskCompleted, got.Status)
		assert.Equal(t, "echo", got.AgentType)
	})

	t.Run(name+"/get missing", func(t *testing.T) {
		s := mk(t)
		defer s.Close()

		_, err := s.Get(context.Background(), "no-such-task")
		assert.ErrorIs(t, err, ErrRecordNotFound)
	})

	t.Run(name+"/list newest first with filter and limit", func(t *testing.T) {
		s := mk(t)
		defer s.Close()
		ctx := context.Background()

		base := time.Now().UTC().Add(-time.Hour)
		var newestCompleted string
		for i := 0; i < 5; i++ {
			status := protocol.TaskCompleted
			if i%2 == 1 {
				status = protocol.TaskFailed
			}
			task := terminalTask(status, base.Add(time.Duration(i)*time.Minute))
			if status == protocol.TaskCompleted {
				newestCompleted = task.ID
			}
			require.NoError(t, s.Archive(ctx, NewRecord(task, "echo")))
		}

		all, err := s.List(ctx, ListOptions{})
		require.NoError(t, err)
		require.Len(t, all, 5)
		for i := 1; i < len(all); i++ {
			assert.False(t, all[i].CompletedAt.After(all[i-1].CompletedAt), "list must be newest first")
		}

		completed, err := s.List(ctx, ListOptions{Status: protocol.TaskCompleted})
		require.NoError(t, err)
		require.Len(t, completed, 3)
		assert.Equal(t, newestCompleted, completed[0].TaskID)

		limited, err := s.List(ctx, ListOptions{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})

	t.Run(name+"/closed store rejects operations", func(t *testing.T) {
		s := mk(t)
		require.NoError(t, s.Close())

		err := s.Archive(context.Background(), NewRecord(terminalTask(protocol.TaskCompleted, time.Now()), "echo"))
		assert.ErrorIs(t, err, ErrStoreClosed)
	})
}

func TestMemoryStore(t *testing.T) {
	storeUnderTest(t, "memory", func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestRedisStore(t *testing.T) {
	storeUnderTest(t, "redis", func(t *testing.T) Store {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		return NewRedisStoreFromClient(client, "", 0)
	})
}

func TestRedisStoreKeyPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStoreFromClient(client, "county:audit:", 0)
	defer s.Close()

	task := terminalTask(protocol.TaskCompleted, time.Now().UTC())
	require.NoError(t, s.Archive(context.Background(), NewRecord(task, "echo")))

	assert.True(t, mr.Exists(fmt.Sprintf("county:audit:%s", task.ID)))
}

func TestNewRecordCarriesTaskFields(t *testing.T) {
	task := terminalTask(protocol.TaskFailed, time.Now().UTC())
	rec := NewRecord(task, "validation")

	assert.Equal(t, task.ID, rec.TaskID)
	assert.Equal(t, "echo", rec.TaskType)
	assert.Equal(t, "validation", rec.AgentType)
	assert.Equal(t, "medium", rec.Priority)
	assert.Equal(t, "boom", rec.Error)
}
