package service

import (
	"context"
	"sync"
	"time"
)

// CounterStore performs the atomic check-and-consume behind the rate limiter.
// Consume must read, compare and increment as one step for key within the
// window identified by day; a new day starts from zero.
type CounterStore interface {
	Consume(ctx context.Context, key, day string, limit int, resetAt time.Time) (used int, allowed bool, err error)
}

// MemoryCounterStore keeps one slot per key. Each slot has its own lock so
// distinct principals never wait on each other.
type MemoryCounterStore struct {
	slots sync.Map // key -> *counterSlot
}

type counterSlot struct {
	mu      sync.Mutex
	record  dailyCounter
	evicted bool
}

type dailyCounter struct {
	day   string
	count int
}

func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{}
}

func (s *MemoryCounterStore) Consume(ctx context.Context, key, day string, limit int, resetAt time.Time) (int, bool, error) {
	slot := s.lockSlot(key)
	defer slot.mu.Unlock()

	if slot.record.day != day {
		slot.record = dailyCounter{day: day}
	}
	if slot.record.count >= limit {
		return slot.record.count, false, nil
	}
	slot.record = dailyCounter{day: day, count: slot.record.count + 1}
	return slot.record.count, true, nil
}

// lockSlot returns the live slot for key, locked. A slot removed by Sweep
// between load and lock is replaced.
func (s *MemoryCounterStore) lockSlot(key string) *counterSlot {
	for {
		v, _ := s.slots.LoadOrStore(key, &counterSlot{})
		slot := v.(*counterSlot)
		slot.mu.Lock()
		if !slot.evicted {
			return slot
		}
		slot.mu.Unlock()
	}
}

// Sweep drops counters from windows before now's day and returns how many
// were removed.
func (s *MemoryCounterStore) Sweep(now time.Time) int {
	today := windowDay(now)
	removed := 0
	s.slots.Range(func(k, v any) bool {
		slot := v.(*counterSlot)
		slot.mu.Lock()
		if slot.record.day != today {
			slot.evicted = true
			s.slots.Delete(k)
			removed++
		}
		slot.mu.Unlock()
		return true
	})
	return removed
}

// Used returns the current count for key on day without consuming.
func (s *MemoryCounterStore) Used(key, day string) int {
	v, ok := s.slots.Load(key)
	if !ok {
		return 0
	}
	slot := v.(*counterSlot)
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.record.day != day {
		return 0
	}
	return slot.record.count
}
