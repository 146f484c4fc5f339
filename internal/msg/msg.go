// Package msg provides small typed-message queues, each serviced by
// its own worker goroutine. Queues are meant for a handful of fixed,
// statically known consumers (the LED engine, the control loop), not
// as a general-purpose actor system.
package msg

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/RobMeades/watchdog-sub000/internal/debug"
)

var (
	// ErrNotFound means the queue ID is unknown or already stopped.
	ErrNotFound = errors.New("no such queue")
	// ErrQueueFull means the queue is at capacity; the message was
	// not accepted. Push never blocks or retries.
	ErrQueueFull = errors.New("queue full")
	// ErrNoHandler means no handler is registered for the message
	// type being pushed.
	ErrNoHandler = errors.New("no handler for message type")
)

// Type tags a message so the queue can dispatch it to the right
// handler. Each subsystem defines its own Type values.
type Type int

// HandlerFunc processes one message. It runs on the queue's worker
// goroutine. Payloads are passed by value at push time, so a handler
// owns its payload for the duration of the call.
type HandlerFunc func(payload any)

// ReleaseFunc frees resources held by a payload that was never
// handled (queue stopped with messages still pending) or has just
// been handled. Optional.
type ReleaseFunc func(payload any)

type handlerEntry struct {
	handler HandlerFunc
	release ReleaseFunc
}

type message struct {
	msgType Type
	payload any
}

// Queue is a capacity-bounded FIFO of typed messages with one worker
// goroutine. The worker wakes on a periodic tick and drains every
// pending message, in submission order, before sleeping again.
type Queue struct {
	id       int
	name     string
	capacity int
	tick     time.Duration

	mu       sync.Mutex
	pending  []message
	handlers map[Type]handlerEntry

	stop chan struct{}
	wg   sync.WaitGroup

	pushCount   uint64
	handleCount uint64
	maxPending  int
}

// System owns all message queues. Create one per process with
// NewSystem and tear it down with Stop.
type System struct {
	tick   time.Duration
	mu     sync.Mutex
	queues map[int]*Queue
	nextID int
}

// NewSystem creates a queue system whose workers poll on the given
// tick period.
func NewSystem(tick time.Duration) *System {
	return &System{
		tick:   tick,
		queues: make(map[int]*Queue),
		nextID: 1,
	}
}

// StartQueue creates a queue with the given capacity and starts its
// worker goroutine, returning the queue's ID.
func (s *System) StartQueue(name string, capacity int) (int, error) {
	if capacity < 1 {
		return 0, fmt.Errorf("msg: queue %q capacity %d: must be at least 1", name, capacity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	q := &Queue{
		id:       s.nextID,
		name:     name,
		capacity: capacity,
		tick:     s.tick,
		handlers: make(map[Type]handlerEntry),
		stop:     make(chan struct{}),
	}
	s.nextID++
	s.queues[q.id] = q

	q.wg.Add(1)
	go q.run()

	debug.Info("Queue %q (ID %d) started, capacity %d", name, q.id, capacity)
	return q.id, nil
}

// AddHandler registers the handler (and optional release function)
// for one message type. Must be called before any Push of that type.
func (s *System) AddHandler(queueID int, msgType Type, handler HandlerFunc, release ReleaseFunc) error {
	q, err := s.lookup(queueID)
	if err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("msg: queue %q type %d: nil handler", q.name, msgType)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[msgType] = handlerEntry{handler: handler, release: release}
	return nil
}

// Push appends a message to a queue and returns the resulting queue
// length. It never blocks: a full queue returns ErrQueueFull and the
// caller decides whether to drop, retry or log. Pass payloads by
// value so the queue never aliases caller memory; Push is safe from
// any goroutine, including another queue's handler.
func (s *System) Push(queueID int, msgType Type, payload any) (int, error) {
	q, err := s.lookup(queueID)
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.handlers[msgType]; !ok {
		return len(q.pending), fmt.Errorf("msg: queue %q type %d: %w", q.name, msgType, ErrNoHandler)
	}
	if len(q.pending) >= q.capacity {
		return len(q.pending), fmt.Errorf("msg: queue %q: %w", q.name, ErrQueueFull)
	}

	q.pending = append(q.pending, message{msgType: msgType, payload: payload})
	q.pushCount++
	if len(q.pending) > q.maxPending {
		q.maxPending = len(q.pending)
	}
	return len(q.pending), nil
}

// StopQueue stops a queue's worker, waits for it to exit, then
// releases every message still pending. No handler runs after
// StopQueue returns.
func (s *System) StopQueue(queueID int) error {
	s.mu.Lock()
	q, ok := s.queues[queueID]
	if ok {
		delete(s.queues, queueID)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("msg: queue ID %d: %w", queueID, ErrNotFound)
	}

	close(q.stop)
	q.wg.Wait()

	q.mu.Lock()
	leftover := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, m := range leftover {
		if entry, ok := q.handlers[m.msgType]; ok && entry.release != nil {
			entry.release(m.payload)
		}
	}

	debug.Info("Queue %q (ID %d) stopped: %d pushed, %d handled, %d released, max pending %d",
		q.name, q.id, q.pushCount, q.handleCount, len(leftover), q.maxPending)
	return nil
}

// Stop stops every queue still running.
func (s *System) Stop() {
	s.mu.Lock()
	ids := make([]int, 0, len(s.queues))
	for id := range s.queues {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.StopQueue(id); err != nil {
			debug.Error(err)
		}
	}
}

// Length returns the number of messages currently pending on a
// queue.
func (s *System) Length(queueID int) (int, error) {
	q, err := s.lookup(queueID)
	if err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), nil
}

func (s *System) lookup(queueID int) (*Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[queueID]
	if !ok {
		return nil, fmt.Errorf("msg: queue ID %d: %w", queueID, ErrNotFound)
	}
	return q, nil
}

func (q *Queue) run() {
	defer q.wg.Done()
	debug.Trace("queue %q worker has started", q.name)

	ticker := time.NewTicker(q.tick)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			debug.Trace("queue %q worker has exited", q.name)
			return
		case <-ticker.C:
			q.drain()
		}
	}
}

// drain processes every message pending at the moment of the wake,
// in FIFO order. Handlers run with the queue unlocked so they may
// push to this or any other queue.
func (q *Queue) drain() {
	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	entries := make([]handlerEntry, len(batch))
	for i, m := range batch {
		entries[i] = q.handlers[m.msgType]
	}
	q.mu.Unlock()

	for i, m := range batch {
		debug.Handler(q.name, int(m.msgType))
		entries[i].handler(m.payload)
		if entries[i].release != nil {
			entries[i].release(m.payload)
		}
		q.mu.Lock()
		q.handleCount++
		q.mu.Unlock()
	}
}
