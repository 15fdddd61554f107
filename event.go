// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package lattice

import (
	"sync"
)

// Event is a one-shot completion handle. Producers hold the UserEvent
// (write-once trigger) side; consumers hold Events and either poll
// HasTriggered, select on Done, or Wait. The zero Event (NoEvent) is
// always triggered.
//
// Events are comparable and usable as map keys; two Events compare equal
// iff they observe the same trigger.
type Event struct {
	c *eventCore
}

type eventCore struct {
	once sync.Once
	done chan struct{}
}

// NoEvent is the always-triggered event.
var NoEvent = Event{}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Exists reports whether the event is a real event (vs. NoEvent).
func (e Event) Exists() bool { return e.c != nil }

// HasTriggered reports whether the event has triggered. NoEvent has
// always triggered.
func (e Event) HasTriggered() bool {
	if e.c == nil {
		return true
	}
	select {
	case <-e.c.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the event triggers.
func (e Event) Done() <-chan struct{} {
	if e.c == nil {
		return closedChan
	}
	return e.c.done
}

// Wait blocks until the event triggers.
func (e Event) Wait() {
	if e.c != nil {
		<-e.c.done
	}
}

// UserEvent is the producer side of an Event. Trigger must be called at
// most once per event; triggering twice is a no-op by construction but
// indicates a protocol bug upstream.
type UserEvent struct {
	Event
}

// NewUserEvent returns an untriggered user event.
func NewUserEvent() UserEvent {
	return UserEvent{Event{c: &eventCore{done: make(chan struct{})}}}
}

// Trigger fires the event, releasing all waiters.
func (u UserEvent) Trigger() {
	if u.c == nil {
		return
	}
	u.c.once.Do(func() { close(u.c.done) })
}

// TriggerAfter fires the event once pre has triggered, without blocking
// the caller.
func (u UserEvent) TriggerAfter(pre Event) {
	if pre.HasTriggered() {
		u.Trigger()
		return
	}
	go func() {
		pre.Wait()
		u.Trigger()
	}()
}

// MergeEvents returns an event that triggers once every input has
// triggered. Already-triggered inputs are elided; merging zero live
// events yields NoEvent and merging one returns it unchanged.
func MergeEvents(events ...Event) Event {
	live := events[:0:0]
	for _, e := range events {
		if !e.HasTriggered() {
			live = append(live, e)
		}
	}
	switch len(live) {
	case 0:
		return NoEvent
	case 1:
		return live[0]
	}
	merged := NewUserEvent()
	go func() {
		for _, e := range live {
			e.Wait()
		}
		merged.Trigger()
	}()
	return merged.Event
}

// EventSet accumulates completion events, typically the applied/ready
// conditions of one operation. The zero value is usable.
type EventSet struct {
	events []Event
}

// Add records an event. Triggered and nil events are dropped.
func (s *EventSet) Add(e Event) {
	if e.Exists() && !e.HasTriggered() {
		s.events = append(s.events, e)
	}
}

// AddSet records every event of another set.
func (s *EventSet) AddSet(o *EventSet) {
	for _, e := range o.events {
		s.Add(e)
	}
}

// Empty reports whether any live events have been recorded.
func (s *EventSet) Empty() bool {
	for _, e := range s.events {
		if !e.HasTriggered() {
			return false
		}
	}
	return true
}

// Events returns the recorded events.
func (s *EventSet) Events() []Event { return s.events }

// Merge collapses the set into a single event.
func (s *EventSet) Merge() Event { return MergeEvents(s.events...) }

// Wait blocks until every recorded event has triggered.
func (s *EventSet) Wait() {
	for _, e := range s.events {
		e.Wait()
	}
}
