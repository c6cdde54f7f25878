// Package stream fans debate messages out to live subscribers in append
// order. A subscription replays the stored history once, then streams new
// messages as they are posted. With Redis configured, publishes travel
// through a per-topic pub/sub channel so subscribers on every instance
// observe the same delivery order; without it the broker fans out in
// process.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"clashchat/internal/store"
)

const channelPrefix = "debate:messages:"

// reorderWindow bounds how long a missing sequence number can hold back
// later live messages. Sequence gaps from aborted inserts never fill, so
// held messages are released after the window instead of stalling forever.
const reorderWindow = 200 * time.Millisecond

// HistoryFunc loads the full ordered message history for a topic.
type HistoryFunc func(ctx context.Context, topicID string) ([]store.Message, error)

type Broker struct {
	rdb     *redis.Client
	history HistoryFunc

	mu   sync.Mutex
	hubs map[string]*topicHub
}

// New creates a broker. client may be nil, which keeps fan-out in process.
func New(client *redis.Client, history HistoryFunc) *Broker {
	return &Broker{
		rdb:     client,
		history: history,
		hubs:    make(map[string]*topicHub),
	}
}

type topicHub struct {
	topicID string

	mu      sync.Mutex
	postMu  sync.Mutex
	subs    map[*Subscription]struct{}
	posting int

	pumpCancel context.CancelFunc
	pumpReady  chan struct{}
}

// Subscription delivers replayed history followed by live messages on a
// single channel. The channel closes after Cancel, or if the subscriber
// falls too far behind the fan-out.
type Subscription struct {
	out  chan store.Message
	live chan store.Message

	// reorder buffers live messages so delivery follows sequence order
	// even when concurrent instances publish out of order.
	reorder bool

	cancelOnce sync.Once
	done       chan struct{}
}

// Messages returns the ordered delivery channel.
func (s *Subscription) Messages() <-chan store.Message {
	return s.out
}

// Cancel detaches the subscription. Safe to call more than once; no side
// effects beyond closing the delivery channel.
func (s *Subscription) Cancel() {
	s.cancelOnce.Do(func() { close(s.done) })
}

// Post runs insert while holding the topic's post lock, then publishes the
// inserted message. Serializing append+publish per topic keeps delivery
// order equal to sequence order.
func (b *Broker) Post(ctx context.Context, topicID string, insert func(context.Context) (store.Message, error)) (store.Message, error) {
	hub := b.hubForPost(topicID)
	defer b.releasePost(hub)

	hub.postMu.Lock()
	defer hub.postMu.Unlock()

	message, err := insert(ctx)
	if err != nil {
		return store.Message{}, err
	}

	if b.rdb != nil {
		payload, err := json.Marshal(wireMessage(message))
		if err != nil {
			return store.Message{}, fmt.Errorf("marshal message: %w", err)
		}
		if err := b.rdb.Publish(ctx, channelPrefix+topicID, payload).Err(); err != nil {
			// The message is durable; subscribers pick it up on replay.
			log.Printf("stream: publish topic %s: %v", topicID, err)
		}
		return message, nil
	}

	hub.deliver(message)
	return message, nil
}

// Subscribe attaches a new subscriber to a topic. The returned subscription
// first replays the full stored history in order, then streams live
// messages, never delivering a sequence number twice.
func (b *Broker) Subscribe(ctx context.Context, topicID string) (*Subscription, error) {
	sub := &Subscription{
		out:     make(chan store.Message, 256),
		live:    make(chan store.Message, 64),
		reorder: b.rdb != nil,
		done:    make(chan struct{}),
	}

	// Register before loading history: anything committed after the
	// history query lands in the live buffer, anything committed before
	// is in the replay. The replayed-set filter removes the overlap.
	hub, ready := b.register(topicID, sub)

	if ready != nil {
		// Wait for the pub/sub subscription to be confirmed so no
		// message can fall between the pump start and the history read.
		select {
		case <-ready:
		case <-ctx.Done():
			b.detach(hub, sub)
			return nil, ctx.Err()
		}
	}

	history, err := b.history(ctx, topicID)
	if err != nil {
		b.detach(hub, sub)
		return nil, err
	}

	go sub.run(history, func() { b.detach(hub, sub) })
	return sub, nil
}

// register adds the subscriber to the topic's hub, creating the hub and
// its pump as needed, all under the broker lock so a concurrent detach
// cannot reap the hub in between.
func (b *Broker) register(topicID string, sub *Subscription) (*topicHub, chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	hub := b.hubs[topicID]
	if hub == nil {
		hub = &topicHub{topicID: topicID, subs: make(map[*Subscription]struct{})}
		b.hubs[topicID] = hub
	}

	hub.mu.Lock()
	hub.subs[sub] = struct{}{}
	var ready chan struct{}
	if b.rdb != nil {
		if hub.pumpCancel == nil {
			pumpCtx, cancel := context.WithCancel(context.Background())
			hub.pumpCancel = cancel
			hub.pumpReady = make(chan struct{})
			go b.pump(pumpCtx, hub)
		}
		ready = hub.pumpReady
	}
	hub.mu.Unlock()
	return hub, ready
}

// detach removes the subscriber, stops the pump when it was the last one,
// and reaps the hub once nothing references it anymore.
func (b *Broker) detach(hub *topicHub, sub *Subscription) {
	b.mu.Lock()
	hub.mu.Lock()
	delete(hub.subs, sub)
	var cancel context.CancelFunc
	if len(hub.subs) == 0 && hub.pumpCancel != nil {
		cancel = hub.pumpCancel
		hub.pumpCancel = nil
	}
	if len(hub.subs) == 0 && hub.posting == 0 && b.hubs[hub.topicID] == hub {
		delete(b.hubs, hub.topicID)
	}
	hub.mu.Unlock()
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	sub.Cancel()
}

// hubForPost returns the topic's hub with its in-flight post count bumped,
// keeping the hub pinned in the map for the duration of the post.
func (b *Broker) hubForPost(topicID string) *topicHub {
	b.mu.Lock()
	defer b.mu.Unlock()
	hub := b.hubs[topicID]
	if hub == nil {
		hub = &topicHub{topicID: topicID, subs: make(map[*Subscription]struct{})}
		b.hubs[topicID] = hub
	}
	hub.mu.Lock()
	hub.posting++
	hub.mu.Unlock()
	return hub
}

func (b *Broker) releasePost(hub *topicHub) {
	b.mu.Lock()
	hub.mu.Lock()
	hub.posting--
	if hub.posting == 0 && len(hub.subs) == 0 && b.hubs[hub.topicID] == hub {
		delete(b.hubs, hub.topicID)
	}
	hub.mu.Unlock()
	b.mu.Unlock()
}

// pump reads the topic's Redis channel and fans messages out locally.
func (b *Broker) pump(ctx context.Context, hub *topicHub) {
	pubsub := b.rdb.Subscribe(ctx, channelPrefix+hub.topicID)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		log.Printf("stream: subscribe topic %s: %v", hub.topicID, err)
	}
	close(hub.pumpReady)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			var wire messageWire
			if err := json.Unmarshal([]byte(raw.Payload), &wire); err != nil {
				log.Printf("stream: bad payload on topic %s: %v", hub.topicID, err)
				continue
			}
			hub.deliver(wire.message())
		}
	}
}

func (h *topicHub) deliver(message store.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.live <- message:
		case <-sub.done:
		default:
			// Subscriber stalled long enough to fill its buffer; drop it
			// rather than block delivery for everyone else.
			log.Printf("stream: dropping slow subscriber on topic %s", h.topicID)
			delete(h.subs, sub)
			sub.Cancel()
		}
	}
}

// run replays history, then forwards live messages that were not part of
// the replay. With reordering on, live messages wait for their sequence
// predecessors up to the reorder window before delivery.
func (s *Subscription) run(history []store.Message, detach func()) {
	defer func() {
		detach()
		close(s.out)
	}()

	send := func(message store.Message) bool {
		select {
		case s.out <- message:
			return true
		case <-s.done:
			return false
		}
	}

	replayed := make(map[int64]struct{}, len(history))
	var lastSeq int64
	for _, message := range history {
		if !send(message) {
			return
		}
		replayed[message.Seq] = struct{}{}
		if message.Seq > lastSeq {
			lastSeq = message.Seq
		}
	}

	if !s.reorder {
		// In-process fan-out happens under the post lock, so messages
		// already arrive in sequence order.
		for {
			select {
			case <-s.done:
				return
			case message := <-s.live:
				if _, seen := replayed[message.Seq]; seen {
					continue
				}
				if !send(message) {
					return
				}
			}
		}
	}

	pending := make(map[int64]store.Message)
	var gapTimer <-chan time.Time

	flushInOrder := func() bool {
		for {
			message, ok := pending[lastSeq+1]
			if !ok {
				return true
			}
			delete(pending, lastSeq+1)
			if !send(message) {
				return false
			}
			lastSeq = message.Seq
		}
	}

	for {
		select {
		case <-s.done:
			return
		case message := <-s.live:
			if _, seen := replayed[message.Seq]; seen {
				continue
			}
			if message.Seq <= lastSeq {
				// A lower sequence committed after its successors were
				// already delivered; late delivery is the only option left.
				if !send(message) {
					return
				}
				continue
			}
			pending[message.Seq] = message
			if !flushInOrder() {
				return
			}
			if len(pending) == 0 {
				gapTimer = nil
			} else if gapTimer == nil {
				gapTimer = time.After(reorderWindow)
			}
		case <-gapTimer:
			gapTimer = nil
			if len(pending) == 0 {
				continue
			}
			var minSeq int64
			for seq := range pending {
				if minSeq == 0 || seq < minSeq {
					minSeq = seq
				}
			}
			message := pending[minSeq]
			delete(pending, minSeq)
			if !send(message) {
				return
			}
			lastSeq = minSeq
			if !flushInOrder() {
				return
			}
			if len(pending) > 0 {
				gapTimer = time.After(reorderWindow)
			}
		}
	}
}

// messageWire is the pub/sub payload shape; store models carry no JSON tags.
type messageWire struct {
	Seq        int64     `json:"seq"`
	ID         string    `json:"id"`
	TopicID    string    `json:"topicId"`
	AuthorID   string    `json:"authorId"`
	AuthorName string    `json:"authorName"`
	Side       string    `json:"side"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"createdAt"`
}

func wireMessage(m store.Message) messageWire {
	return messageWire{
		Seq:        m.Seq,
		ID:         m.ID,
		TopicID:    m.TopicID,
		AuthorID:   m.AuthorID,
		AuthorName: m.AuthorName,
		Side:       m.Side,
		Text:       m.Text,
		CreatedAt:  m.CreatedAt,
	}
}

func (w messageWire) message() store.Message {
	return store.Message{
		Seq:        w.Seq,
		ID:         w.ID,
		TopicID:    w.TopicID,
		AuthorID:   w.AuthorID,
		AuthorName: w.AuthorName,
		Side:       w.Side,
		Text:       w.Text,
		CreatedAt:  w.CreatedAt,
	}
}
