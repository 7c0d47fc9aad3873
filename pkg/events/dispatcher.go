// Package events provides the in-process fan-out of engine lifecycle
// events. Delivery is synchronous or queued; subscribers receive each
// event at most once and can never affect engine progress
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kode4food/caravan"
	"github.com/kode4food/caravan/message"
	"github.com/kode4food/caravan/topic"

	"github.com/flowmonkey/engine/pkg/api"
	"github.com/flowmonkey/engine/pkg/log"
	"github.com/flowmonkey/engine/pkg/store"
)

type (
	// Mode selects how the dispatcher delivers events to subscribers
	Mode int

	// SinkFunc adapts a function to the store.EventSink interface
	SinkFunc func(*api.Event)

	// Dispatcher fans engine events out to subscribers. In Sync mode
	// delivery happens inline with Emit; in Queued mode events drain on a
	// background consumer after the emitting operation commits
	Dispatcher struct {
		queue     topic.Topic[*api.Event]
		prod      topic.Producer[*api.Event]
		cons      topic.Consumer[*api.Event]
		stop      chan struct{}
		sinks     []store.EventSink
		mode      Mode
		mu        sync.RWMutex
		stopOnce  sync.Once
		started   sync.Once
		runWG     sync.WaitGroup
		sent      atomic.Int64
		delivered atomic.Int64
	}
)

const drainPoll = 10 * time.Millisecond

const (
	// Sync delivers events inline with the emitting call
	Sync Mode = iota

	// Queued defers delivery to a background drain
	Queued
)

// NewDispatcher creates a dispatcher in the given mode. Queued dispatchers
// must be started before events flow and flushed on shutdown
func NewDispatcher(mode Mode) *Dispatcher {
	d := &Dispatcher{
		mode: mode,
		stop: make(chan struct{}),
	}
	if mode == Queued {
		queue := caravan.NewTopic[*api.Event]()
		d.queue = queue
		d.prod = queue.NewProducer()
		d.cons = queue.NewConsumer()
	}
	return d
}

// Emit implements store.EventSink
func (d *Dispatcher) Emit(ev *api.Event) {
	if ev == nil {
		return
	}
	if d.mode == Sync {
		d.deliver(ev)
		return
	}
	d.sent.Add(1)
	if !message.Send(d.prod, ev) {
		d.sent.Add(-1)
	}
}

// Subscribe registers a sink for all subsequent events
func (d *Dispatcher) Subscribe(sink store.EventSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, sink)
}

// SubscribeFunc registers a function sink
func (d *Dispatcher) SubscribeFunc(fn func(*api.Event)) {
	d.Subscribe(SinkFunc(fn))
}

// Start begins the background drain for a queued dispatcher. Sync
// dispatchers need no start
func (d *Dispatcher) Start() {
	if d.mode != Queued {
		return
	}
	d.started.Do(func() {
		d.runWG.Go(func() {
			for {
				select {
				case <-d.stop:
					return
				case ev, ok := <-d.cons.Receive():
					if !ok {
						return
					}
					d.deliver(ev)
					d.delivered.Add(1)
				}
			}
		})
	})
}

// Flush stops the background drain, delivers every event already accepted
// by Emit, and closes the queue. Events emitted after Flush are dropped
func (d *Dispatcher) Flush() {
	if d.mode != Queued {
		return
	}
	d.stopOnce.Do(func() {
		close(d.stop)
	})
	d.runWG.Wait()
	d.prod.Close()
	for d.delivered.Load() < d.sent.Load() {
		ev, ok := message.Poll(d.cons, drainPoll)
		if !ok {
			continue
		}
		d.deliver(ev)
		d.delivered.Add(1)
	}
	d.cons.Close()
}

func (d *Dispatcher) deliver(ev *api.Event) {
	d.mu.RLock()
	sinks := make([]store.EventSink, len(d.sinks))
	copy(sinks, d.sinks)
	d.mu.RUnlock()

	for _, sink := range sinks {
		d.deliverOne(sink, ev)
	}
}

func (d *Dispatcher) deliverOne(sink store.EventSink, ev *api.Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Event subscriber panic",
				slog.String("event_type", string(ev.Type)),
				log.ExecutionID(ev.ExecutionID),
				slog.Any("panic", r))
		}
	}()
	sink.Emit(ev)
}

// Emit implements store.EventSink
func (fn SinkFunc) Emit(ev *api.Event) {
	fn(ev)
}
