package persistence

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// LazyAOFWriter batches commands in memory and hands them to an AOFWriter
// on a timer. Up to ForceSyncInterval of writes may be lost on a crash;
// Close always flushes and syncs.
type LazyAOFWriter struct {
	underlying *AOFWriter
	logger     *slog.Logger

	mu      sync.Mutex
	buffer  []Command
	stopped bool

	stopCh chan struct{}
	wg     sync.WaitGroup

	flushInterval     time.Duration
	forceSyncInterval time.Duration
	maxBufferSize     int
}

var _ Log = (*LazyAOFWriter)(nil)

const (
	DefaultLazyFlushInterval = 100 * time.Millisecond
	DefaultForceSyncInterval = time.Second
	DefaultMaxBufferSize     = 1000
)

// ErrWriterClosed is returned by Append after Close.
var ErrWriterClosed = errors.New("log writer closed")

// LazyConfig tunes a LazyAOFWriter. Zero fields take the defaults.
type LazyConfig struct {
	FlushInterval     time.Duration
	ForceSyncInterval time.Duration
	MaxBufferSize     int
	Logger            *slog.Logger
}

// NewLazyAOFWriter wraps underlying. The caller must not use underlying
// directly afterwards.
func NewLazyAOFWriter(underlying *AOFWriter, cfg LazyConfig) *LazyAOFWriter {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultLazyFlushInterval
	}
	if cfg.ForceSyncInterval <= 0 {
		cfg.ForceSyncInterval = DefaultForceSyncInterval
	}
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = DefaultMaxBufferSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	lw := &LazyAOFWriter{
		underlying:        underlying,
		logger:            cfg.Logger,
		buffer:            make([]Command, 0, cfg.MaxBufferSize),
		stopCh:            make(chan struct{}),
		flushInterval:     cfg.FlushInterval,
		forceSyncInterval: cfg.ForceSyncInterval,
		maxBufferSize:     cfg.MaxBufferSize,
	}
	lw.wg.Add(1)
	go lw.loop()

	lw.logger.Info("Lazy log writer started",
		"flush_interval", cfg.FlushInterval,
		"sync_interval", cfg.ForceSyncInterval,
		"max_buffer_size", cfg.MaxBufferSize,
	)
	return lw
}

func (lw *LazyAOFWriter) Append(c Command) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if lw.stopped {
		return ErrWriterClosed
	}
	lw.buffer = append(lw.buffer, c)
	if len(lw.buffer) >= lw.maxBufferSize {
		return lw.flushLocked()
	}
	return nil
}

func (lw *LazyAOFWriter) Flush() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.flushLocked()
}

func (lw *LazyAOFWriter) flushLocked() error {
	if len(lw.buffer) == 0 {
		return nil
	}
	for _, c := range lw.buffer {
		if err := lw.underlying.Append(c); err != nil {
			return err
		}
	}
	if err := lw.underlying.Flush(); err != nil {
		return err
	}
	lw.buffer = lw.buffer[:0]
	return nil
}

func (lw *LazyAOFWriter) Sync() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if err := lw.flushLocked(); err != nil {
		return err
	}
	return lw.underlying.Sync()
}

// Close stops the background loop, then flushes, syncs and closes the file.
func (lw *LazyAOFWriter) Close() error {
	lw.mu.Lock()
	if lw.stopped {
		lw.mu.Unlock()
		return ErrWriterClosed
	}
	lw.stopped = true
	lw.mu.Unlock()

	close(lw.stopCh)
	lw.wg.Wait()

	lw.mu.Lock()
	defer lw.mu.Unlock()
	if err := lw.flushLocked(); err != nil {
		lw.logger.Error("Final log flush failed", "error", err)
	}
	if err := lw.underlying.Sync(); err != nil {
		lw.logger.Error("Final log sync failed", "error", err)
	}
	return lw.underlying.Close()
}

func (lw *LazyAOFWriter) Truncate() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	lw.buffer = lw.buffer[:0]
	return lw.underlying.Truncate()
}

func (lw *LazyAOFWriter) ReplaceWith(newPath string) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if err := lw.flushLocked(); err != nil {
		return err
	}
	return lw.underlying.ReplaceWith(newPath)
}

func (lw *LazyAOFWriter) Path() string { return lw.underlying.Path() }

func (lw *LazyAOFWriter) Size() (int64, error) { return lw.underlying.Size() }

func (lw *LazyAOFWriter) loop() {
	defer lw.wg.Done()
	flush := time.NewTicker(lw.flushInterval)
	defer flush.Stop()
	syncTick := time.NewTicker(lw.forceSyncInterval)
	defer syncTick.Stop()

	for {
		select {
		case <-flush.C:
			if err := lw.Flush(); err != nil {
				lw.logger.Error("Periodic log flush failed", "error", err)
			}
		case <-syncTick.C:
			if err := lw.Sync(); err != nil {
				lw.logger.Error("Periodic log sync failed", "error", err)
			}
		case <-lw.stopCh:
			return
		}
	}
}
