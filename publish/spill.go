// Copyright (C) 2025 Search Case Authors.
// See LICENSE for copying information.

package publish

import "sync"

// spillLog is a bounded ring buffer of events awaiting redelivery while the
// bus circuit is open. When full, the oldest entries are dropped and
// counted.
type spillLog struct {
	mu       sync.Mutex
	events   []BatchChangeEvent
	head     int
	size     int
	dropped  int64
	capacity int
}

func newSpillLog(capacity int) *spillLog {
	if capacity <= 0 {
		capacity = 100
	}
	return &spillLog{
		events:   make([]BatchChangeEvent, capacity),
		capacity: capacity,
	}
}

// Append adds an event, dropping the oldest one when the buffer is full.
func (s *spillLog) Append(event BatchChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size == s.capacity {
		s.head = (s.head + 1) % s.capacity
		s.size--
		s.dropped++
	}
	s.events[(s.head+s.size)%s.capacity] = event
	s.size++
}

// PopFront removes and returns the oldest event.
func (s *spillLog) PopFront() (BatchChangeEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size == 0 {
		return BatchChangeEvent{}, false
	}
	event := s.events[s.head]
	s.events[s.head] = BatchChangeEvent{}
	s.head = (s.head + 1) % s.capacity
	s.size--
	return event, true
}

// PushFront returns an event to the front after a failed redelivery.
func (s *spillLog) PushFront(event BatchChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size == s.capacity {
		// buffer refilled meanwhile, sacrifice the newest entry instead of
		// the event being requeued
		s.size--
		s.dropped++
	}
	s.head = (s.head - 1 + s.capacity) % s.capacity
	s.events[s.head] = event
	s.size++
}

// Len returns the number of buffered events.
func (s *spillLog) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Dropped returns how many events were lost to overflow.
func (s *spillLog) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
