package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_EnqueueDequeue(t *testing.T) {
	q := NewMemory(4, 3)
	defer q.Close()

	require.NoError(t, q.Enqueue(Job{ID: "j1", QueryID: "q1"}))
	require.NoError(t, q.Enqueue(Job{ID: "j2", QueryID: "q2"}))
	assert.Equal(t, 2, q.Len())

	job, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "j1", job.ID)
	assert.False(t, job.EnqueuedAt.IsZero())
}

func TestMemory_Backpressure(t *testing.T) {
	q := NewMemory(1, 3)
	defer q.Close()

	require.NoError(t, q.Enqueue(Job{ID: "j1"}))
	err := q.Enqueue(Job{ID: "j2"})
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestMemory_DequeueBlocksUntilEnqueue(t *testing.T) {
	q := NewMemory(4, 3)
	defer q.Close()

	done := make(chan Job, 1)
	go func() {
		job, err := q.Dequeue(context.Background())
		if err == nil {
			done <- job
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Enqueue(Job{ID: "j1"}))

	select {
	case job := <-done:
		assert.Equal(t, "j1", job.ID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not unblock")
	}
}

func TestMemory_DequeueRespectsContext(t *testing.T) {
	q := NewMemory(4, 3)
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemory_NackRedelivers(t *testing.T) {
	q := NewMemory(4, 3)
	defer q.Close()

	require.NoError(t, q.Enqueue(Job{ID: "j1", QueryID: "q1"}))
	job, err := q.Dequeue(context.Background())
	require.NoError(t, err)

	require.NoError(t, q.Nack(job))
	redelivered, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "j1", redelivered.ID)
	assert.Equal(t, 1, redelivered.Attempt)
}

func TestMemory_NackExhaustsAttempts(t *testing.T) {
	q := NewMemory(4, 2)
	defer q.Close()

	job := Job{ID: "j1", Attempt: 1}
	err := q.Nack(job)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrQueueFull))
	assert.Equal(t, 0, q.Len())
}

func TestMemory_CloseDrains(t *testing.T) {
	q := NewMemory(4, 3)
	require.NoError(t, q.Enqueue(Job{ID: "j1"}))
	q.Close()

	require.ErrorIs(t, q.Enqueue(Job{ID: "j2"}), ErrClosed)

	job, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "j1", job.ID)

	_, err = q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}
