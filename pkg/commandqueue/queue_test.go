package commandqueue

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFO(t *testing.T) {
	q := New[int]("test")
	defer q.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Push(i))
	}
	assert.Equal(t, 5, q.Len())

	for i := 0; i < 5; i++ {
		got, err := q.Pop(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, got)
	}
	assert.Equal(t, 0, q.Len())
}

func TestQueue_PopWaitsForPush(t *testing.T) {
	q := New[string]("test")
	defer q.Close()

	got := make(chan string, 1)
	go func() {
		v, err := q.Pop(context.Background())
		if err == nil {
			got <- v
		}
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, q.Push("hello"))

	select {
	case v := <-got:
		assert.Equal(t, "hello", v)
	case <-time.After(2 * time.Second):
		t.Fatal("Pop did not wake after Push")
	}
}

func TestQueue_PopContextCancel(t *testing.T) {
	q := New[int]("test")
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_Close(t *testing.T) {
	t.Run("wakes waiters", func(t *testing.T) {
		q := New[int]("test")

		errCh := make(chan error, 1)
		go func() {
			_, err := q.Pop(context.Background())
			errCh <- err
		}()

		time.Sleep(50 * time.Millisecond)
		q.Close()

		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, ErrClosed)
		case <-time.After(2 * time.Second):
			t.Fatal("Pop did not return after Close")
		}
	})

	t.Run("drains pending items", func(t *testing.T) {
		q := New[int]("test")
		require.NoError(t, q.Push(1))
		require.NoError(t, q.Push(2))
		q.Close()
		q.Close()

		assert.ErrorIs(t, q.Push(3), ErrClosed)

		v, err := q.Pop(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, v)
		v, err = q.Pop(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, v)

		_, err = q.Pop(context.Background())
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	q := New[int]("test")
	defer q.Close()

	const producers = 8
	const perProducer = 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_ = q.Push(base*perProducer + i)
			}
		}(p)
	}

	var got []int
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for len(got) < producers*perProducer {
		v, err := q.Pop(ctx)
		require.NoError(t, err)
		got = append(got, v)
	}
	wg.Wait()

	sort.Ints(got)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestQueue_PerProducerOrder(t *testing.T) {
	q := New[[2]int]("test")
	defer q.Close()

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = q.Push([2]int{id, i})
			}
		}(p)
	}
	wg.Wait()

	last := map[int]int{0: -1, 1: -1, 2: -1, 3: -1}
	for q.Len() > 0 {
		v, err := q.Pop(context.Background())
		require.NoError(t, err)
		assert.Greater(t, v[1], last[v[0]])
		last[v[0]] = v[1]
	}
}

func TestQueue_MultipleConsumers(t *testing.T) {
	q := New[int]("test")

	const n = 200
	results := make(chan int, n)
	var wg sync.WaitGroup
	for c := 0; c < 4; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				v, err := q.Pop(context.Background())
				if err != nil {
					return
				}
				results <- v
			}
		}()
	}

	for i := 0; i < n; i++ {
		require.NoError(t, q.Push(i))
	}

	deadline := time.After(5 * time.Second)
	seen := 0
	for seen < n {
		select {
		case <-results:
			seen++
		case <-deadline:
			t.Fatalf("only %d of %d items consumed", seen, n)
		}
	}

	q.Close()
	wg.Wait()
}
