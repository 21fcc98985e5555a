package client

import (
	"sync"

	"github.com/sirupsen/logrus"
)

type listenerEntry[T any] struct {
	id uint64
	fn func(T)
}

// listenerSet is an ordered set of subscribers. Subscribers are notified in
// registration order.
type listenerSet[T any] struct {
	mutex   sync.Mutex
	nextID  uint64
	entries []listenerEntry[T]
}

// add registers fn and returns a func that removes it. The returned func is
// safe to call more than once.
func (s *listenerSet[T]) add(fn func(T)) func() {
	s.mutex.Lock()
	s.nextID++
	id := s.nextID
	s.entries = append(s.entries, listenerEntry[T]{id: id, fn: fn})
	s.mutex.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(id) })
	}
}

func (s *listenerSet[T]) remove(id uint64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for i, entry := range s.entries {
		if entry.id == id {
			s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
			return
		}
	}
}

func (s *listenerSet[T]) len() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.entries)
}

// notify calls every subscriber registered at the time of the call. A
// panicking subscriber is logged and does not stop the others.
func (s *listenerSet[T]) notify(value T, logger *logrus.Entry) {
	s.mutex.Lock()
	snapshot := make([]func(T), len(s.entries))
	for i, entry := range s.entries {
		snapshot[i] = entry.fn
	}
	s.mutex.Unlock()

	for _, fn := range snapshot {
		safeCall(fn, value, logger)
	}
}

func safeCall[T any](fn func(T), value T, logger *logrus.Entry) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", r).Error("Listener panicked")
		}
	}()
	fn(value)
}
