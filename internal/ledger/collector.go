package ledger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const flushTimeout = 10 * time.Second

// BatchInserter persists sanitized records. Store and AMQPPublisher
// implement it.
type BatchInserter interface {
	BatchInsert(ctx context.Context, recs []Record) error
}

// MetricsRecorder is an optional interface for collector metrics.
type MetricsRecorder interface {
	IncLedgerFlush(outcome string, records int)
	IncLedgerDropped(records int)
	SetLedgerBuffered(records int)
}

// Collector buffers records in memory and flushes them to a sink in batches.
// Record never blocks on the sink. It is safe for concurrent use.
type Collector struct {
	sink          BatchInserter
	sanitizer     *Sanitizer
	batchSize     int
	maxBuffer     int
	flushInterval time.Duration
	metrics       MetricsRecorder

	mu     sync.Mutex
	buffer []Record

	flushMu  sync.Mutex
	wake     chan struct{}
	done     chan struct{}
	stopped  chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
}

// Options configures a Collector.
type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	// MaxBuffer bounds the records held between flushes. When full the
	// oldest records are dropped.
	MaxBuffer int
}

// NewCollector creates a collector that flushes when batchSize records are
// buffered or every flushInterval, whichever comes first.
func NewCollector(sink BatchInserter, sanitizer *Sanitizer, opts Options) *Collector {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.BatchSize > MaxBatchSize {
		opts.BatchSize = MaxBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}
	if opts.MaxBuffer < opts.BatchSize {
		opts.MaxBuffer = opts.BatchSize
	}
	if sanitizer == nil {
		sanitizer = &Sanitizer{}
	}
	return &Collector{
		sink:          sink,
		sanitizer:     sanitizer,
		batchSize:     opts.BatchSize,
		maxBuffer:     opts.MaxBuffer,
		flushInterval: opts.FlushInterval,
		buffer:        make([]Record, 0, opts.BatchSize),
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}
}

// SetMetrics sets the optional metrics recorder.
func (c *Collector) SetMetrics(m MetricsRecorder) {
	c.metrics = m
}

// Start runs the flush loop until Stop is called or ctx is cancelled. Both
// end with a final flush.
func (c *Collector) Start(ctx context.Context) {
	c.started.Store(true)
	defer close(c.stopped)

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Flush()
		case <-c.wake:
			c.Flush()
		case <-ctx.Done():
			c.Flush()
			return
		case <-c.done:
			c.Flush()
			return
		}
	}
}

// Record sanitizes e and buffers it. It returns the stored record.
func (c *Collector) Record(e Entry) Record {
	rec := c.sanitizer.Apply(e)

	c.mu.Lock()
	c.buffer = append(c.buffer, rec)
	dropped := 0
	if over := len(c.buffer) - c.maxBuffer; over > 0 {
		dropped = over
		c.buffer = append(c.buffer[:0:0], c.buffer[over:]...)
	}
	n := len(c.buffer)
	c.mu.Unlock()

	if dropped > 0 {
		slog.Warn("usage buffer full, dropping oldest records", "dropped", dropped, "max_buffer", c.maxBuffer)
		if c.metrics != nil {
			c.metrics.IncLedgerDropped(dropped)
		}
	}
	if c.metrics != nil {
		c.metrics.SetLedgerBuffered(n)
	}
	if n >= c.batchSize {
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
	return rec
}

// Buffered returns the number of records awaiting a flush.
func (c *Collector) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// Flush drains the buffer into the sink in batches of at most batchSize
// records. Sink errors are logged and lose only the failing batch; batches
// are not retried.
func (c *Collector) Flush() {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	pending := c.buffer
	c.buffer = make([]Record, 0, c.batchSize)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.SetLedgerBuffered(0)
	}

	for _, batch := range chunks(pending, c.batchSize) {
		c.insert(batch)
	}
}

func (c *Collector) insert(batch []Record) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	outcome := "ok"
	if err := c.sink.BatchInsert(ctx, batch); err != nil {
		outcome = "error"
		slog.Error("failed to flush usage records", "count", len(batch), "error", err)
	}
	if c.metrics != nil {
		c.metrics.IncLedgerFlush(outcome, len(batch))
	}
}

// chunks splits recs into consecutive slices of at most size records.
func chunks(recs []Record, size int) [][]Record {
	var out [][]Record
	for len(recs) > size {
		out = append(out, recs[:size:size])
		recs = recs[size:]
	}
	if len(recs) > 0 {
		out = append(out, recs)
	}
	return out
}

// Stop ends the flush loop and waits for the final flush.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
	if c.started.Load() {
		<-c.stopped
		return
	}
	c.Flush()
}
