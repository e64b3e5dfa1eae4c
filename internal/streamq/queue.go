// Package streamq routes each topic's messages between the shared buffer pool
// and the topic's disk spool.
package streamq

import (
	"errors"
	"fmt"
	"log/slog"

	"stompy/internal/bufpool"
	"stompy/internal/spool"
)

// ErrNotInFlight indicates an acknowledgement for a buffer that is not the topic's in-flight message.
var ErrNotInFlight = errors.New("streamq: buffer is not in flight")

// State is the routing mode of one topic.
type State uint8

const (
	// Live keeps messages in memory only.
	Live State = iota
	// Spilling sends new arrivals to disk while the disk backlog drains.
	Spilling
	// Held refuses consumers and sends every arrival to disk.
	Held
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Live:
		return "live"
	case Spilling:
		return "spilling"
	case Held:
		return "held"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Spooler is the disk backlog of one topic.
type Spooler interface {
	Write(body []byte, stamp int64) error
	ReadOldest() (spool.Entry, bool, error)
	Count() int
	Oldest() (int64, bool)
}

// Observer is told about disk traffic. It must not call back into the Set.
type Observer interface {
	SpoolWritten(topic int)
	SpoolRead(topic int)
	MessageLost(topic int)
}

// TopicConfig binds a topic name to its spool.
type TopicConfig struct {
	Name  string
	Spool Spooler
}

// TopicStatus is a read-only view of one topic.
type TopicStatus struct {
	Index       int
	Name        string
	State       State
	Queued      int
	InFlight    bool
	SpoolCount  int
	SpoolOldest int64
	HasBacklog  bool
}

type topic struct {
	name     string
	state    State
	queue    ring
	inFlight bufpool.Handle
	spool    Spooler
}

type noopObserver struct{}

func (noopObserver) SpoolWritten(int) {}
func (noopObserver) SpoolRead(int)    {}
func (noopObserver) MessageLost(int)  {}

// Option mutates Set construction.
type Option func(*Set)

// WithLogger configures the Set logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Set) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithObserver configures the disk traffic observer.
func WithObserver(observer Observer) Option {
	return func(s *Set) {
		if observer != nil {
			s.observer = observer
		}
	}
}

// WithLoadBatch bounds how many spooled messages are loaded per refill.
func WithLoadBatch(size int) Option {
	return func(s *Set) {
		if size > 0 {
			s.batch = size
		}
	}
}

// WithClock configures the capture stamp source.
func WithClock(clock *Clock) Option {
	return func(s *Set) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// Set holds every topic queue over one shared buffer pool. Buffer ownership
// moves between the pool free list, a topic queue and a topic's in-flight slot
// and is never shared. Set is not safe for concurrent use.
type Set struct {
	pool     *bufpool.Pool
	topics   []*topic
	clock    *Clock
	batch    int
	observer Observer
	logger   *slog.Logger
}

// New creates the topic set. The default load batch is half the pool.
func New(pool *bufpool.Pool, topics []TopicConfig, options ...Option) (*Set, error) {
	if pool == nil {
		return nil, fmt.Errorf("new stream queues: nil pool")
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("new stream queues: no topics")
	}

	s := &Set{
		pool:     pool,
		topics:   make([]*topic, 0, len(topics)),
		batch:    max(1, pool.Size()/2),
		observer: noopObserver{},
		logger:   slog.Default(),
	}
	for _, option := range options {
		option(s)
	}

	var floor int64
	for idx, cfg := range topics {
		if cfg.Spool == nil {
			return nil, fmt.Errorf("new stream queues: topic %d: nil spool", idx)
		}
		state := Live
		if cfg.Spool.Count() > 0 {
			state = Spilling
		}
		if newest, ok := newestStamp(cfg.Spool); ok && newest > floor {
			floor = newest
		}
		s.topics = append(s.topics, &topic{
			name:     cfg.Name,
			state:    state,
			queue:    newRing(pool.Size()),
			inFlight: bufpool.NoHandle,
			spool:    cfg.Spool,
		})
	}
	if s.clock == nil {
		s.clock = NewClock(nil, floor)
	}

	return s, nil
}

// Len returns the number of topics.
func (s *Set) Len() int {
	return len(s.topics)
}

// Enqueue accepts one message body for topic. An error means the message could
// not be kept; it has already been logged.
func (s *Set) Enqueue(index int, body []byte) error {
	t, err := s.topic(index)
	if err != nil {
		return err
	}
	if len(body) > s.pool.FrameSize() {
		s.observer.MessageLost(index)
		return fmt.Errorf("enqueue topic %s: %w", t.name, bufpool.ErrTooLarge)
	}

	stamp := s.clock.Next()
	if t.state != Live {
		return s.writeToDisk(index, body, stamp)
	}

	handle, ok := s.pool.Acquire()
	if ok {
		if err := s.pool.Fill(handle, body, stamp); err != nil {
			s.pool.Release(handle)
			s.observer.MessageLost(index)
			return fmt.Errorf("enqueue topic %s: %w", t.name, err)
		}
		t.queue.PushBack(handle)
		return nil
	}

	victim := index
	if t.queue.Len() == 0 {
		victim = s.firstOtherQueued(index)
	}
	if victim >= 0 {
		flushed := s.flushToDisk(victim)
		s.spill(victim)
		s.logger.Info("buffer pool exhausted, flushed queue to disk",
			"topic", t.name,
			"flushed_topic", s.topics[victim].name,
			"flushed", flushed,
		)
	} else {
		s.logger.Info("buffer pool exhausted with nothing to flush", "topic", t.name)
	}
	s.spill(index)

	return s.writeToDisk(index, body, stamp)
}

// DequeueForDelivery moves the oldest deliverable message of topic into its
// in-flight slot and returns it. When the in-memory queue is empty and the topic
// is not Live, a batch is loaded from disk first. A Spilling topic whose disk
// backlog is exhausted returns to Live.
func (s *Set) DequeueForDelivery(index int) (bufpool.Handle, bool) {
	t, err := s.topic(index)
	if err != nil {
		return bufpool.NoHandle, false
	}
	if t.inFlight != bufpool.NoHandle {
		return t.inFlight, true
	}

	if t.queue.Len() == 0 && t.state != Live {
		s.load(index)
	}
	if t.state == Spilling && t.spool.Count() == 0 {
		t.state = Live
		s.logger.Info("disk backlog drained, topic live", "topic", t.name)
	}

	handle, ok := t.queue.PopFront()
	if !ok {
		return bufpool.NoHandle, false
	}
	t.inFlight = handle

	return handle, true
}

// Acknowledge releases the in-flight message of topic.
func (s *Set) Acknowledge(index int, handle bufpool.Handle) error {
	t, err := s.topic(index)
	if err != nil {
		return err
	}
	if handle == bufpool.NoHandle || t.inFlight != handle {
		return fmt.Errorf("acknowledge topic %s buffer %d: %w", t.name, handle, ErrNotInFlight)
	}
	t.inFlight = bufpool.NoHandle
	s.pool.Release(handle)

	return nil
}

// Requeue puts an unacknowledged in-flight message back at the head of its queue.
func (s *Set) Requeue(index int) {
	t, err := s.topic(index)
	if err != nil || t.inFlight == bufpool.NoHandle {
		return
	}
	t.queue.PushFront(t.inFlight)
	t.inFlight = bufpool.NoHandle
}

// Hold forces topic into Held and moves its in-memory queue to disk. The
// in-flight message, if any, stays in flight.
func (s *Set) Hold(index int) int {
	t, err := s.topic(index)
	if err != nil {
		return 0
	}
	t.state = Held

	return s.flushToDisk(index)
}

// Release ends a hold. The topic drains its disk backlog before going Live.
func (s *Set) Release(index int) {
	t, err := s.topic(index)
	if err != nil || t.state != Held {
		return
	}
	t.state = Spilling
}

// FlushAll moves every in-memory queue to disk and returns the number of messages moved.
func (s *Set) FlushAll() int {
	total := 0
	for idx, t := range s.topics {
		if t.queue.Len() == 0 {
			continue
		}
		total += s.flushToDisk(idx)
		s.spill(idx)
	}

	return total
}

// Bytes returns the body held by handle.
func (s *Set) Bytes(handle bufpool.Handle) []byte {
	return s.pool.Bytes(handle)
}

// Stamp returns the capture stamp of handle.
func (s *Set) Stamp(handle bufpool.Handle) int64 {
	return s.pool.Stamp(handle)
}

// State returns the routing state of topic.
func (s *Set) State(index int) State {
	t, err := s.topic(index)
	if err != nil {
		return Held
	}

	return t.state
}

// Status returns a read-only view of topic.
func (s *Set) Status(index int) TopicStatus {
	t, err := s.topic(index)
	if err != nil {
		return TopicStatus{Index: index}
	}
	oldest, hasBacklog := t.spool.Oldest()

	return TopicStatus{
		Index:       index,
		Name:        t.name,
		State:       t.state,
		Queued:      t.queue.Len(),
		InFlight:    t.inFlight != bufpool.NoHandle,
		SpoolCount:  t.spool.Count(),
		SpoolOldest: oldest,
		HasBacklog:  hasBacklog,
	}
}

// Accounted returns free + queued + in-flight buffers; it always equals the pool size.
func (s *Set) Accounted() int {
	total := s.pool.Free()
	for _, t := range s.topics {
		total += t.queue.Len()
		if t.inFlight != bufpool.NoHandle {
			total++
		}
	}

	return total
}

// PoolFree returns the number of free buffers.
func (s *Set) PoolFree() int {
	return s.pool.Free()
}

// PoolSize returns the total number of buffers.
func (s *Set) PoolSize() int {
	return s.pool.Size()
}

func (s *Set) topic(index int) (*topic, error) {
	if index < 0 || index >= len(s.topics) {
		return nil, fmt.Errorf("stream queue: topic %d out of range", index)
	}

	return s.topics[index], nil
}

func (s *Set) spill(index int) {
	t := s.topics[index]
	if t.state == Live {
		t.state = Spilling
	}
}

// firstOtherQueued returns the first other topic with queued buffers, or -1.
func (s *Set) firstOtherQueued(index int) int {
	for idx, t := range s.topics {
		if idx != index && t.queue.Len() > 0 {
			return idx
		}
	}

	return -1
}

// flushToDisk writes the whole in-memory queue of topic to disk, oldest first,
// and frees the buffers. Messages that fail to write are lost.
func (s *Set) flushToDisk(index int) int {
	t := s.topics[index]
	flushed := 0
	for {
		handle, ok := t.queue.PopFront()
		if !ok {
			break
		}
		_ = s.writeToDisk(index, s.pool.Bytes(handle), s.pool.Stamp(handle))
		s.pool.Release(handle)
		flushed++
	}

	return flushed
}

func (s *Set) writeToDisk(index int, body []byte, stamp int64) error {
	t := s.topics[index]
	if err := t.spool.Write(body, stamp); err != nil {
		s.logger.Error("spool write failed, message lost", "topic", t.name, "stamp", stamp, "error", err)
		s.observer.MessageLost(index)
		return fmt.Errorf("spool topic %s: %w", t.name, err)
	}
	s.observer.SpoolWritten(index)

	return nil
}

// load refills the in-memory queue of topic from disk. When the pool is empty
// another topic's queue is flushed first to make room.
func (s *Set) load(index int) {
	t := s.topics[index]
	want := min(s.batch, t.spool.Count())
	if want == 0 {
		return
	}
	if s.pool.Free() == 0 {
		if victim := s.firstOtherQueued(index); victim >= 0 {
			flushed := s.flushToDisk(victim)
			s.spill(victim)
			s.logger.Info("buffer pool exhausted on load, flushed queue to disk",
				"topic", t.name,
				"flushed_topic", s.topics[victim].name,
				"flushed", flushed,
			)
		}
	}

	for attempt := 0; attempt < want; attempt++ {
		handle, ok := s.pool.Acquire()
		if !ok {
			return
		}
		entry, ok, err := t.spool.ReadOldest()
		if err != nil {
			s.pool.Release(handle)
			s.logger.Error("spool read failed, message lost", "topic", t.name, "error", err)
			s.observer.MessageLost(index)
			continue
		}
		if !ok {
			s.pool.Release(handle)
			return
		}
		if err := s.pool.Fill(handle, entry.Body, entry.Stamp); err != nil {
			s.pool.Release(handle)
			s.logger.Error("spooled message does not fit a buffer, message lost",
				"topic", t.name,
				"stamp", entry.Stamp,
				"error", err,
			)
			s.observer.MessageLost(index)
			continue
		}
		t.queue.PushBack(handle)
		s.observer.SpoolRead(index)
	}
}

func newestStamp(spooler Spooler) (int64, bool) {
	type newest interface {
		Newest() (int64, bool)
	}
	if n, ok := spooler.(newest); ok {
		return n.Newest()
	}

	return 0, false
}
