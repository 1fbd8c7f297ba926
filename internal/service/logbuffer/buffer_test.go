package logbuffer

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/shadowtwin/internal/models"
)

func TestBuffer_DrainClears(t *testing.T) {
	b := New()
	b.Append("j1", models.LogEntry{Message: "one"})
	b.Append("j1", models.LogEntry{Message: "two"})
	b.Append("j2", models.LogEntry{Message: "other"})

	peek := b.Peek("j1")
	require.Len(t, peek, 2)
	assert.False(t, peek[0].Timestamp.IsZero())

	got := b.Drain("j1")
	require.Len(t, got, 2)
	assert.Equal(t, "one", got[0].Message)
	assert.Equal(t, "two", got[1].Message)

	assert.Empty(t, b.Drain("j1"))
	assert.Equal(t, 0, b.Len("j1"))
	assert.Equal(t, 1, b.Len("j2"))
}

func TestBuffer_PeekIsACopy(t *testing.T) {
	b := New()
	b.Append("j1", models.LogEntry{Message: "one"})
	peek := b.Peek("j1")
	peek[0].Message = "changed"
	assert.Equal(t, "one", b.Peek("j1")[0].Message)
}

func TestBuffer_RestoreKeepsOrder(t *testing.T) {
	b := New()
	b.Append("j1", models.LogEntry{Message: "a"})
	drained := b.Drain("j1")
	b.Append("j1", models.LogEntry{Message: "b"})
	b.Restore("j1", drained)

	got := b.Drain("j1")
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Message)
	assert.Equal(t, "b", got[1].Message)
}

func TestBuffer_ConcurrentAppend(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b.Append("j1", models.LogEntry{Message: fmt.Sprint(i)})
		}(i)
	}
	wg.Wait()
	assert.Len(t, b.Drain("j1"), 50)
}
