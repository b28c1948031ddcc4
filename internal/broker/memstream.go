package broker

import (
	"fmt"
	"sync"
	"time"
)

// MemStream is an in-memory JetStream stand-in with per-message
// deduplication. It backs every package test and the offline player mode.
type MemStream struct {
	mu       sync.Mutex
	messages []*Message
	dedup    map[string]struct{}
}

// NewMemStream returns an empty in-memory stream.
func NewMemStream() *MemStream {
	return &MemStream{dedup: make(map[string]struct{})}
}

// Publish appends a message unless its Nats-Msg-Id was already stored.
func (s *MemStream) Publish(subject string, data []byte, header map[string]string, timestamp time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publishLocked(subject, data, header, timestamp)
}

func (s *MemStream) publishLocked(subject string, data []byte, header map[string]string, timestamp time.Time) (bool, error) {
	if header == nil {
		header = map[string]string{}
	}
	if id, ok := header[headerMsgID]; ok {
		if _, seen := s.dedup[id]; seen {
			return false, nil
		}
		s.dedup[id] = struct{}{}
	}
	copied := make(map[string]string, len(header))
	for k, v := range header {
		copied[k] = v
	}
	body := make([]byte, len(data))
	copy(body, data)
	s.messages = append(s.messages, &Message{
		Subject:   subject,
		Data:      body,
		Header:    copied,
		Timestamp: timestamp,
	})
	return true, nil
}

// Len reports the number of stored messages.
func (s *MemStream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// CreateConsumer returns a pull consumer over the stream filtered by the
// given subject pattern.
func (s *MemStream) CreateConsumer(filter string) *MemConsumer {
	return &MemConsumer{stream: s, filter: filter}
}

// CreatePullConsumer implements ConsumerSource. Durable names are accepted
// for interface parity but carry no meaning in memory.
func (s *MemStream) CreatePullConsumer(filter, durable string) (Consumer, error) {
	_ = durable
	return s.CreateConsumer(filter), nil
}

// MemConsumer is a cursor over a MemStream.
type MemConsumer struct {
	mu        sync.Mutex
	stream    *MemStream
	filter    string
	cursor    int
	delivered int
}

// Pull returns up to batch matching messages past the cursor.
func (c *MemConsumer) Pull(batch int) ([]*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stream.mu.Lock()
	defer c.stream.mu.Unlock()

	var out []*Message
	for len(out) < batch && c.cursor < len(c.stream.messages) {
		message := c.stream.messages[c.cursor]
		c.cursor++
		if MatchSubject(message.Subject, c.filter) {
			out = append(out, message)
		}
	}
	c.delivered += len(out)
	return out, nil
}

// Pending counts matching messages not yet delivered.
func (c *MemConsumer) Pending() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stream.mu.Lock()
	defer c.stream.mu.Unlock()

	matched := 0
	for _, message := range c.stream.messages {
		if MatchSubject(message.Subject, c.filter) {
			matched++
		}
	}
	if pending := matched - c.delivered; pending > 0 {
		return pending, nil
	}
	return 0, nil
}

// MemCluster layers leader failover semantics over a MemStream, mirroring
// a replicated JetStream deployment for tests.
type MemCluster struct {
	*MemStream

	mu          sync.Mutex
	replicas    int
	leaderIndex int
	alive       []bool
}

// NewMemCluster returns a cluster with the given replica count.
func NewMemCluster(replicas int) (*MemCluster, error) {
	if replicas < 1 {
		return nil, fmt.Errorf("cluster must contain at least one replica, got %d", replicas)
	}
	alive := make([]bool, replicas)
	for i := range alive {
		alive[i] = true
	}
	return &MemCluster{MemStream: NewMemStream(), replicas: replicas, alive: alive}, nil
}

// LeaderIndex reports the current leader replica.
func (c *MemCluster) LeaderIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaderIndex
}

// KillLeader marks the current leader dead and elects the next survivor.
func (c *MemCluster) KillLeader() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive[c.leaderIndex] = false
	next, err := c.nextLeaderLocked()
	if err != nil {
		return err
	}
	c.leaderIndex = next
	return nil
}

// ReviveAll restores every replica and resets leadership.
func (c *MemCluster) ReviveAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.alive {
		c.alive[i] = true
	}
	c.leaderIndex = 0
}

func (c *MemCluster) nextLeaderLocked() (int, error) {
	for i, alive := range c.alive {
		if alive {
			return i, nil
		}
	}
	return 0, fmt.Errorf("no replicas available for leadership")
}

// Publish routes through the current leader, failing over first if the
// leader has died since the last publish.
func (c *MemCluster) Publish(subject string, data []byte, header map[string]string, timestamp time.Time) (bool, error) {
	c.mu.Lock()
	if !c.alive[c.leaderIndex] {
		next, err := c.nextLeaderLocked()
		if err != nil {
			c.mu.Unlock()
			return false, fmt.Errorf("%w: %v", ErrPublish, err)
		}
		c.leaderIndex = next
	}
	c.mu.Unlock()
	return c.MemStream.Publish(subject, data, header, timestamp)
}
