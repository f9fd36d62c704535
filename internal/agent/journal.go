package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type journalOp struct {
	name      string
	sessionID string
	fn        func(ctx context.Context) error
}

// journal applies store writes in order on one background goroutine so a
// slow database never blocks the decision loop. A full queue drops its
// oldest write.
type journal struct {
	mu      sync.Mutex
	ops     chan journalOp
	closed  bool
	timeout time.Duration
	wg      sync.WaitGroup
	logger  *slog.Logger
}

func newJournal(size int, timeout time.Duration, logger *slog.Logger) *journal {
	if size <= 0 {
		size = 100
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	j := &journal{
		ops:     make(chan journalOp, size),
		timeout: timeout,
		logger:  logger,
	}
	j.wg.Add(1)
	go j.run()
	return j
}

func (j *journal) submit(name, sessionID string, fn func(ctx context.Context) error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	op := journalOp{name: name, sessionID: sessionID, fn: fn}
	select {
	case j.ops <- op:
		return
	default:
	}

	j.logger.Warn("Journal queue full, dropping oldest write", "queue_len", len(j.ops))
	select {
	case <-j.ops:
	default:
	}
	select {
	case j.ops <- op:
	default:
		j.logger.Warn("Failed to queue journal write", "op", name, "session_id", sessionID)
	}
}

func (j *journal) run() {
	defer j.wg.Done()
	for op := range j.ops {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
		err := op.fn(ctx)
		cancel()
		if err != nil {
			j.logger.Warn("Journal write failed", "op", op.name, "session_id", op.sessionID, "error", err)
		}
		if d := time.Since(start); d > 100*time.Millisecond {
			j.logger.Warn("Slow journal write", "op", op.name, "duration_ms", d.Milliseconds())
		}
	}
}

// close stops accepting writes and waits for queued ones to finish.
func (j *journal) close() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	close(j.ops)
	j.mu.Unlock()

	done := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(j.timeout):
		j.logger.Warn("Journal shutdown timeout", "queue_remaining", len(j.ops))
	}
}
