package audit

import (
	"context"
	"sync"
	"sync/atomic"
)

// defaultQueueSize bounds pending entries. Beyond it entries are dropped.
const defaultQueueSize = 256

// Logger interface for optional logging.
type Logger interface {
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Recorder writes entries asynchronously so request handlers never wait on
// SQLite. Entries are written serially in arrival order.
type Recorder struct {
	repo    Repository
	queue   chan *Entry
	logger  Logger
	dropped atomic.Uint64

	once sync.Once
	done chan struct{}
}

// NewRecorder creates a recorder. Call Run to start writing.
func NewRecorder(repo Repository, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Recorder{
		repo:   repo,
		queue:  make(chan *Entry, queueSize),
		logger: noopLogger{},
		done:   make(chan struct{}),
	}
}

// SetLogger sets the logger. Call before Run.
func (r *Recorder) SetLogger(l Logger) {
	r.logger = l
}

// Record enqueues e. It never blocks; when the queue is full e is dropped.
// A nil Recorder discards everything.
func (r *Recorder) Record(e Entry) {
	if r == nil {
		return
	}
	select {
	case r.queue <- &e:
	default:
		r.dropped.Add(1)
		r.logger.Warn("audit queue full, dropping entry", "action", e.Action, "entity_id", e.EntityID)
	}
}

// Dropped returns how many entries were discarded.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Run writes entries until ctx is cancelled, then flushes what is queued.
func (r *Recorder) Run(ctx context.Context) {
	defer r.once.Do(func() { close(r.done) })

	for {
		select {
		case e := <-r.queue:
			r.write(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-r.queue:
					r.write(e)
				default:
					return
				}
			}
		}
	}
}

// Done is closed when Run has returned.
func (r *Recorder) Done() <-chan struct{} {
	return r.done
}

func (r *Recorder) write(e *Entry) {
	if err := r.repo.Create(context.Background(), e); err != nil {
		r.logger.Error("audit write failed", "action", e.Action, "entity_id", e.EntityID, "error", err)
	}
}
