package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/webpilot/internal/metrics"
	"github.com/ashureev/webpilot/internal/protocol"
)

// Role distinguishes the two kinds of attached connections.
type Role string

const (
	RoleObserver Role = "observer"
	RoleExecutor Role = "executor"
)

// ParseRole maps a query value to a Role, defaulting to observer.
func ParseRole(s string) Role {
	if Role(s) == RoleExecutor {
		return RoleExecutor
	}
	return RoleObserver
}

// Envelope is a queued message with its stream event id.
type Envelope struct {
	ID  int64
	Msg protocol.Message
}

// Sink writes envelopes to one connection.
type Sink interface {
	Send(ctx context.Context, env Envelope) error
	Close(reason string)
}

const (
	defaultQueueSize = 64
	sendTimeout      = 5 * time.Second
)

// Subscriber is one attached connection. It owns a bounded queue drained
// by a single writer goroutine, so enqueueing never blocks and messages
// reach the connection in the order they were queued.
type Subscriber struct {
	ID        int64
	SessionID string
	Role      Role

	sink  Sink
	queue chan Envelope
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

func newSubscriber(id int64, sessionID string, role Role, sink Sink, size int) *Subscriber {
	if size <= 0 {
		size = defaultQueueSize
	}
	s := &Subscriber{
		ID:        id,
		SessionID: sessionID,
		Role:      role,
		sink:      sink,
		queue:     make(chan Envelope, size),
		done:      make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s
}

// Done is closed when the subscriber stops.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Enqueue queues env without blocking. A full queue drops the message.
func (s *Subscriber) Enqueue(env Envelope) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.queue <- env:
		return true
	default:
		metrics.RecordDropped(string(s.Role))
		slog.Warn("Subscriber queue full, dropping message",
			"session_id", s.SessionID,
			"role", s.Role,
			"conn_id", s.ID,
			"type", env.Msg.Type)
		return false
	}
}

func (s *Subscriber) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case env := <-s.queue:
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			err := s.sink.Send(ctx, env)
			cancel()
			if err != nil {
				slog.Debug("Subscriber write failed", "error", err, "session_id", s.SessionID, "conn_id", s.ID)
				go s.close("write failed")
				return
			}
			metrics.RecordMessage("out", string(env.Msg.Type))
		}
	}
}

// close stops the writer and closes the sink. Safe to call repeatedly.
func (s *Subscriber) close(reason string) {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.sink.Close(reason)
	})
}
