// Package overlay implements the per-task pub/sub fan-out of captured PTY
// output: bounded live buffering, late-join replay from the durable log, and
// non-blocking publish with drop-oldest-after-persist backpressure.
package overlay

import (
	"sync"
	"time"

	"github.com/taskforge/engine/pkg/models"
)

// DefaultLiveBufferSize bounds how many recent events a topic keeps in
// memory before dropping the oldest (once persisted) to admit a new one.
const DefaultLiveBufferSize = 1000

// DefaultSubscriberQueueSize bounds the per-subscriber backpressure queue;
// a subscriber that cannot keep up is disconnected once this fills.
const DefaultSubscriberQueueSize = 256

// Subscription is a live handle to a task's event stream. Events arrive in
// strict sequence order with no gaps, no reordering, and no duplicates.
type Subscription struct {
	id     uint64
	taskID string
	ch     chan models.OverlayEvent
	done   chan struct{}
	broker *Broker
}

// Events returns the channel events are delivered on. The channel is closed
// when the subscription is disconnected (slow-consumer) or the topic closes.
func (s *Subscription) Events() <-chan models.OverlayEvent {
	return s.ch
}

// Unsubscribe detaches the subscription from its topic.
func (s *Subscription) Unsubscribe() {
	s.broker.unsubscribe(s)
}

type topic struct {
	mu          sync.Mutex
	taskID      string
	nextSeq     uint64
	live        []models.OverlayEvent
	subs        map[uint64]*Subscription
	closed      bool
	exitWritten bool
}

// Broker owns per-task topics and dispatches OverlayEvents to subscribers.
type Broker struct {
	log *Log

	mu      sync.Mutex
	topics  map[string]*topic
	nextSub uint64
}

// NewBroker constructs a Broker backed by log for late-join replay and
// overflow persistence.
func NewBroker(log *Log) *Broker {
	return &Broker{
		log:    log,
		topics: make(map[string]*topic),
	}
}

func (b *Broker) topicFor(taskID string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[taskID]
	if !ok {
		t = &topic{taskID: taskID, subs: make(map[uint64]*Subscription)}
		b.topics[taskID] = t
	}
	return t
}

// Publish appends a new OverlayEvent for taskID on stream with payload,
// assigning it the next gap-free sequence number, persisting it, and
// fanning it out to subscribers without blocking the caller. If the live
// buffer is full, the oldest live event is dropped once durable.
func (b *Broker) Publish(taskID string, stream models.OverlayStream, payload []byte) (models.OverlayEvent, error) {
	t := b.topicFor(taskID)

	t.mu.Lock()
	event := models.OverlayEvent{
		TaskID:  taskID,
		Seq:     t.nextSeq,
		Ts:      time.Now().UTC(),
		Stream:  stream,
		Payload: payload,
	}
	t.nextSeq++

	if stream == models.StreamMeta {
		if rec, ok := DecodeMetaKind(payload); ok && rec == models.MetaProcessExit {
			t.exitWritten = true
		}
	}
	t.mu.Unlock()

	if err := b.log.Append(event); err != nil {
		return models.OverlayEvent{}, err
	}

	t.mu.Lock()
	t.live = append(t.live, event)
	if len(t.live) > DefaultLiveBufferSize {
		t.live = t.live[len(t.live)-DefaultLiveBufferSize:]
	}
	subs := make([]*Subscription, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		b.deliver(t, s, event)
	}

	return event, nil
}

func (b *Broker) deliver(t *topic, s *Subscription, event models.OverlayEvent) {
	select {
	case s.ch <- event:
	default:
		// Subscriber's queue is full: disconnect it with a META(slow_consumer),
		// matching go-claw's non-blocking-send-or-drop discipline generalized
		// to a hard disconnect since overlay subscribers must see no gaps.
		b.unsubscribe(s)
		close(s.ch)
		close(s.done)
		// Published to the topic (not just to s) so the durable log and every
		// other subscriber observe the disconnect, per spec.md §4.3.
		_, _ = b.Publish(t.taskID, models.StreamMeta, EncodeMeta(models.MetaRecord{
			Kind:   models.MetaSlowConsumer,
			Reason: "subscriber queue full, disconnected",
		}))
	}
}

// Subscribe attaches to taskID's stream starting at fromSeq. If fromSeq
// precedes the live buffer's earliest retained event, the subscription
// first replays from the durable log, then joins the live feed with no
// gaps and no duplicates. A nil fromSeq (use SubscribeLive) joins at the
// tail.
func (b *Broker) Subscribe(taskID string, fromSeq uint64) (*Subscription, error) {
	t := b.topicFor(taskID)

	b.mu.Lock()
	b.nextSub++
	id := b.nextSub
	b.mu.Unlock()

	sub := &Subscription{
		id:     id,
		taskID: taskID,
		ch:     make(chan models.OverlayEvent, DefaultSubscriberQueueSize),
		done:   make(chan struct{}),
		broker: b,
	}

	t.mu.Lock()
	liveStart := uint64(0)
	if len(t.live) > 0 {
		liveStart = t.live[0].Seq
	} else {
		liveStart = t.nextSeq
	}
	t.subs[id] = sub
	closed := t.closed
	liveSnapshot := append([]models.OverlayEvent(nil), t.live...)
	t.mu.Unlock()

	var backlog []models.OverlayEvent
	if fromSeq < liveStart {
		persisted, err := b.log.Scan(taskID, fromSeq)
		if err != nil {
			return nil, err
		}
		backlog = persisted
	} else {
		for _, e := range liveSnapshot {
			if e.Seq >= fromSeq {
				backlog = append(backlog, e)
			}
		}
	}

	for _, e := range backlog {
		select {
		case sub.ch <- e:
		default:
			b.unsubscribe(sub)
			close(sub.ch)
			close(sub.done)
			return sub, nil
		}
	}

	if closed {
		close(sub.ch)
	}

	return sub, nil
}

// SubscribeLive attaches to taskID's stream at the tail, receiving only
// events published after this call.
func (b *Broker) SubscribeLive(taskID string) (*Subscription, error) {
	t := b.topicFor(taskID)
	t.mu.Lock()
	tail := t.nextSeq
	t.mu.Unlock()
	return b.Subscribe(taskID, tail)
}

func (b *Broker) unsubscribe(s *Subscription) {
	t := b.topicFor(s.taskID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subs[s.id]; ok {
		delete(t.subs, s.id)
	}
}

// Close flushes taskID's topic: writes a META(process_exit) if one was not
// already published, marks the topic closed, and closes every subscriber's
// channel after delivering the remaining backlog. Subsequent Subscribe calls
// against this topic replay the full historical stream then terminate
// cleanly.
func (b *Broker) Close(taskID string) error {
	t := b.topicFor(taskID)

	t.mu.Lock()
	needsExit := !t.exitWritten
	t.mu.Unlock()

	if needsExit {
		if _, err := b.Publish(taskID, models.StreamMeta, EncodeMeta(models.MetaRecord{Kind: models.MetaProcessExit})); err != nil {
			return err
		}
	}

	t.mu.Lock()
	t.closed = true
	subs := make([]*Subscription, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.subs = make(map[uint64]*Subscription)
	t.mu.Unlock()

	for _, s := range subs {
		close(s.ch)
	}

	return nil
}
