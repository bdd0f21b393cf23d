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
	"context"
	"sync"
)

// EventSink consumes the event feed outside of the process, for example
// to record history or forward events to a broker.
type EventSink interface {
	HandleEvent(Event) error
}

// SinkFunc adapts an ordinary function to an EventSink.
type SinkFunc func(Event) error

func (f SinkFunc) HandleEvent(ev Event) error {
	return f(ev)
}

// Attachment is a running connection between a Broadcaster and a sink.
type Attachment struct {
	name string
	sub  *Subscription
	b    *Broadcaster
	done chan struct{}
	once sync.Once
}

// AttachSink delivers every event published from now on to sink, in
// order, until ctx is canceled or Detach is called.  Errors from the sink
// are logged and otherwise ignored; a failing sink never holds up the
// Broadcaster.
func AttachSink(ctx context.Context, b *Broadcaster, name string, sink EventSink, logger Logger) *Attachment {
	if logger == nil {
		logger = noopLogger{}
	}
	a := &Attachment{
		name: name,
		sub:  b.Subscribe(1),
		b:    b,
		done: make(chan struct{}),
	}
	go func() {
		defer close(a.done)
		for {
			select {
			case ev, ok := <-a.sub.Events():
				if !ok {
					if e := a.sub.Err(); e != nil {
						logger.Error("event sink dropped", "sink", name, "error", e)
					}
					return
				}
				if e := sink.HandleEvent(ev); e != nil {
					logger.Warn("event sink failed", "sink", name,
						"event", string(ev.Type), "error", e)
				}
			case <-ctx.Done():
				a.Detach()
				return
			}
		}
	}()
	return a
}

// Detach stops delivery.  Events already handed to the sink are not
// recalled.
func (a *Attachment) Detach() {
	a.once.Do(func() { a.b.Unsubscribe(a.sub) })
}

// Close stops delivery of new events and waits for the sink to handle
// those it was already due.  If ctx expires first, the rest are dropped
// and the context error is returned.
func (a *Attachment) Close(ctx context.Context) error {
	a.b.Drain(a.sub)
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		a.Detach()
		return ctx.Err()
	}
}

// Name returns the name the sink was attached with.
func (a *Attachment) Name() string {
	return a.name
}

// Done is closed once the sink will receive no more events.
func (a *Attachment) Done() <-chan struct{} {
	return a.done
}
