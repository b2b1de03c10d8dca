package updatelog

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultCheckpointInterval is how often checkpoints are created
	DefaultCheckpointInterval = 5 * time.Minute
)

// FlushFunc persists every update applied so far to durable snapshots
type FlushFunc func(ctx context.Context) error

// Checkpointer periodically persists snapshots and trims the log
type Checkpointer struct {
	log      *Log
	interval time.Duration
	flushFn  FlushFunc
	logger   zerolog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCheckpointer creates a checkpointer. flushFn must capture every update
// appended before it was called.
func NewCheckpointer(log *Log, flushFn FlushFunc, logger zerolog.Logger) *Checkpointer {
	return &Checkpointer{
		log:      log,
		interval: DefaultCheckpointInterval,
		flushFn:  flushFn,
		logger:   logger.With().Str("component", "checkpointer").Logger(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// SetInterval changes the checkpoint interval; call before Start
func (c *Checkpointer) SetInterval(interval time.Duration) {
	if interval > 0 {
		c.interval = interval
	}
}

// Start starts the background checkpointing loop
func (c *Checkpointer) Start() {
	go c.run()
}

// Stop stops the loop and waits for it to exit
func (c *Checkpointer) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Checkpointer) run() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.interval)
			if err := c.Checkpoint(ctx); err != nil {
				c.logger.Error().Err(err).Msg("Checkpoint failed")
			}
			cancel()
		case <-c.stopCh:
			return
		}
	}
}

// Checkpoint flushes snapshots, records a checkpoint covering every entry
// appended before the flush, then removes files holding only covered
// entries.
func (c *Checkpointer) Checkpoint(ctx context.Context) error {
	start := time.Now()
	mark := c.log.LastLSN()
	index := c.log.currentIndex()

	if err := c.flushFn(ctx); err != nil {
		return fmt.Errorf("flush failed: %w", err)
	}

	lsn, err := c.log.write(Entry{OpType: OpCheckpoint, Payload: encodeMark(mark)})
	if err != nil {
		return fmt.Errorf("write checkpoint entry failed: %w", err)
	}
	if err := c.log.Sync(); err != nil {
		return fmt.Errorf("fsync checkpoint failed: %w", err)
	}

	removed, err := c.log.removeBefore(index)
	if err != nil {
		return fmt.Errorf("truncate failed: %w", err)
	}

	c.logger.Info().
		Uint64("lsn", lsn).
		Uint64("mark", mark).
		Int("files_removed", removed).
		Dur("duration_ms", time.Since(start)).
		Msg("Checkpoint complete")
	return nil
}
