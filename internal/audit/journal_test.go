package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memStorage struct {
	mu      sync.Mutex
	batches [][]AttemptEvent
	fails   int // столько первых вызовов вернут ошибку
	calls   int
}

func (s *memStorage) WriteBatch(_ context.Context, events []AttemptEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.fails {
		return errors.New("db unavailable")
	}
	cp := make([]AttemptEvent, len(events))
	copy(cp, events)
	s.batches = append(s.batches, cp)
	return nil
}

func (s *memStorage) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func TestJournal_DrainsOnStop(t *testing.T) {
	store := &memStorage{}
	j := NewJournal(Config{FlushInterval: time.Hour}, store, zap.NewNop(), nil)
	j.Start()

	for i := 0; i < 250; i++ {
		j.Record(AttemptEvent{ID: fmt.Sprint(i), Outcome: OutcomeSuccess})
	}
	j.Stop()

	assert.Equal(t, 250, store.total())
	// Два полных батча по 100 и остаток
	require.Len(t, store.batches, 3)
	assert.Len(t, store.batches[0], batchSize)
	assert.Len(t, store.batches[2], 50)
}

func TestJournal_FlushesOnInterval(t *testing.T) {
	store := &memStorage{}
	j := NewJournal(Config{FlushInterval: 10 * time.Millisecond}, store, zap.NewNop(), nil)
	j.Start()
	defer j.Stop()

	j.Record(AttemptEvent{ID: "a", Outcome: OutcomeAborted})

	assert.Eventually(t, func() bool { return store.total() == 1 }, time.Second, 5*time.Millisecond)
}

func TestJournal_RetriesFailedFlush(t *testing.T) {
	store := &memStorage{fails: 2}
	j := NewJournal(Config{FlushInterval: time.Hour, FlushAttempts: 3}, store, zap.NewNop(), nil)
	j.Start()

	j.Record(AttemptEvent{ID: "a"})
	j.Stop()

	assert.Equal(t, 3, store.calls)
	assert.Equal(t, 1, store.total())
}

func TestJournal_RecordAfterStopIsDropped(t *testing.T) {
	store := &memStorage{}
	j := NewJournal(Config{}, store, zap.NewNop(), nil)
	j.Start()
	j.Stop()

	assert.NotPanics(t, func() { j.Record(AttemptEvent{ID: "late"}) })
	assert.NotPanics(t, j.Stop)
	assert.Equal(t, 0, store.total())
}

func TestJournal_OverflowSheds(t *testing.T) {
	store := &memStorage{}
	j := NewJournal(Config{BufferSize: 2}, store, zap.NewNop(), nil)
	// Воркер не запущен, буфер не вычитывается

	for i := 0; i < 5; i++ {
		j.Record(AttemptEvent{ID: fmt.Sprint(i)})
	}
	assert.Len(t, j.ch, 2)

	j.Start()
	j.Stop()
	assert.Equal(t, 2, store.total())
}

func TestJournal_SetsTimestamp(t *testing.T) {
	store := &memStorage{}
	j := NewJournal(Config{}, store, zap.NewNop(), nil)
	j.Start()
	j.Record(AttemptEvent{ID: "x"})
	j.Stop()

	require.Len(t, store.batches, 1)
	assert.False(t, store.batches[0][0].Timestamp.IsZero())
}
