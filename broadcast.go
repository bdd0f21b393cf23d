// Copyright 2026 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nodevisor

import (
	"strings"
	"sync"
	"time"
)

// EventType names the kind of an Event.
type EventType string

const (
	EventStatus          EventType = "status"
	EventLog             EventType = "log"
	EventProcessStarted  EventType = "process-started"
	EventProcessExited   EventType = "process-exited"
	EventSpawnFailed     EventType = "spawn-failed"
	EventCommandFinished EventType = "command-finished"
	EventLogsCleared     EventType = "logs-cleared"
)

// Status values carried by EventStatus, describing the default process.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
)

// DefaultMaxPending is how many undelivered events a subscriber may
// accumulate before it is dropped.
const DefaultMaxPending = 10000

// Event is one entry in the broadcast sequence.  Seq is assigned by the
// Broadcaster and is strictly increasing across all events.
type Event struct {
	Seq      int64        `json:"seq"`
	Type     EventType    `json:"type"`
	Time     time.Time    `json:"time"`
	Log      *LogRecord   `json:"log,omitempty"`
	Process  *ProcessInfo `json:"process,omitempty"`
	Status   string       `json:"status,omitempty"`
	Command  string       `json:"command,omitempty"`
	Dir      string       `json:"dir,omitempty"`
	ExitCode int          `json:"exitCode"`
	Error    string       `json:"error,omitempty"`
}

// Subscription receives events from a Broadcaster.  Backlog holds the log
// records that were retained when the subscription was made; Events then
// delivers every event published after that point, in order.
type Subscription struct {
	Backlog []LogRecord

	b          *Broadcaster
	queue      []Event
	maxPending int
	closed     bool
	err        error
	ch         chan Event
	done       chan struct{}
	once       sync.Once
	cv         *sync.Cond
	mx         sync.Mutex
}

// Events returns the live feed.  It is closed after Unsubscribe, or when
// the subscriber falls too far behind (see Err).
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Err reports why the feed was closed by the Broadcaster, if it was.
func (s *Subscription) Err() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.err
}

// push queues an event.  It never blocks, so it is safe to call with the
// Broadcaster lock held.  It returns false if the subscription is done.
func (s *Subscription) push(ev Event) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.closed {
		return false
	}
	if len(s.queue) >= s.maxPending {
		s.closed = true
		s.err = ErrSlowSubscriber
		s.cv.Broadcast()
		return false
	}
	s.queue = append(s.queue, ev)
	s.cv.Signal()
	return true
}

func (s *Subscription) close() {
	s.mx.Lock()
	s.closed = true
	s.cv.Broadcast()
	s.mx.Unlock()
	s.once.Do(func() { close(s.done) })
}

// finish stops accepting events, but lets the pump deliver what is
// already queued before it closes the feed.
func (s *Subscription) finish() {
	s.mx.Lock()
	s.closed = true
	s.cv.Broadcast()
	s.mx.Unlock()
}

// pump moves queued events onto the channel, one at a time, so that a slow
// reader only ever delays itself.
func (s *Subscription) pump() {
	defer close(s.ch)
	for {
		s.mx.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cv.Wait()
		}
		if len(s.queue) == 0 {
			s.mx.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mx.Unlock()

		select {
		case s.ch <- ev:
		case <-s.done:
			return
		}
	}
}

// Broadcaster serializes every published event into one sequence, keeps
// log events in a Log ring, and fans events out to subscribers.
type Broadcaster struct {
	ring       *Log
	subs       map[*Subscription]bool
	seq        int64
	maxPending int
	mx         sync.Mutex
}

// NewBroadcaster returns a Broadcaster that records log events in ring.
func NewBroadcaster(ring *Log) *Broadcaster {
	if ring == nil {
		ring = NewLog(0)
	}
	return &Broadcaster{
		ring:       ring,
		subs:       make(map[*Subscription]bool),
		maxPending: DefaultMaxPending,
	}
}

// SetMaxPending changes the high-water mark for new subscriptions.
func (b *Broadcaster) SetMaxPending(n int) {
	if n <= 0 {
		n = DefaultMaxPending
	}
	b.mx.Lock()
	b.maxPending = n
	b.mx.Unlock()
}

// Ring returns the underlying log ring.
func (b *Broadcaster) Ring() *Log {
	return b.ring
}

// Publish assigns the event its place in the global order and delivers it
// to every subscriber.  Log events are stored in the ring first, and the
// stored record (with its id) is what subscribers see.
func (b *Broadcaster) Publish(ev Event) Event {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.publish(ev)
}

// publish must be called with the lock held.
func (b *Broadcaster) publish(ev Event) Event {
	b.seq++
	ev.Seq = b.seq
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if ev.Type == EventLog && ev.Log != nil {
		rec := b.ring.Append(*ev.Log)
		ev.Log = &rec
	}
	for s := range b.subs {
		if !s.push(ev) {
			delete(b.subs, s)
		}
	}
	return ev
}

// Log publishes a log event.
func (b *Broadcaster) Log(source, stream, text string) {
	b.Publish(Event{
		Type: EventLog,
		Log:  &LogRecord{Source: source, Stream: stream, Text: text},
	})
}

// Write implements io.Writer, publishing b as one system log record.
// This makes a Broadcaster usable as the destination of a log.Logger.
func (b *Broadcaster) Write(p []byte) (int, error) {
	text := string(p)
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	b.Log(SourceSystem, "", text)
	return len(p), nil
}

// Clear empties the ring and tells subscribers so.
func (b *Broadcaster) Clear() {
	b.mx.Lock()
	b.ring.Clear()
	b.publish(Event{Type: EventLogsCleared})
	b.mx.Unlock()
}

// Subscribe registers a new subscriber.  The returned subscription's
// Backlog holds up to backlog of the most recent log records (all of them
// if backlog is zero or less), and its feed starts with the first event
// published after that snapshot.
func (b *Broadcaster) Subscribe(backlog int) *Subscription {
	b.mx.Lock()
	defer b.mx.Unlock()

	s := &Subscription{
		b:          b,
		maxPending: b.maxPending,
		ch:         make(chan Event),
		done:       make(chan struct{}),
	}
	s.cv = sync.NewCond(&s.mx)
	s.Backlog = b.ring.Records(backlog)
	b.subs[s] = true
	go s.pump()
	return s
}

// Unsubscribe stops delivery to s.  Other subscribers are unaffected.
func (b *Broadcaster) Unsubscribe(s *Subscription) {
	b.mx.Lock()
	delete(b.subs, s)
	b.mx.Unlock()
	s.close()
}

// Drain stops publishing to s.  Unlike Unsubscribe, events already queued
// for s are still delivered, and the feed is closed after the last one.
func (b *Broadcaster) Drain(s *Subscription) {
	b.mx.Lock()
	delete(b.subs, s)
	b.mx.Unlock()
	s.finish()
}

// Subscribers returns the number of active subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mx.Lock()
	defer b.mx.Unlock()
	return len(b.subs)
}
