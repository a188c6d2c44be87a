package flashlog

import (
	"log/slog"
	"sync"
	"time"
)

// eraseWorker keeps the lookahead window erased in the background so the
// append path never issues an erase itself.
type eraseWorker struct {
	erase    *EraseManager
	cursor   func() int
	interval time.Duration
	logger   *slog.Logger

	kickCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newEraseWorker(erase *EraseManager, cursor func() int, interval time.Duration, logger *slog.Logger) *eraseWorker {
	return &eraseWorker{
		erase:    erase,
		cursor:   cursor,
		interval: interval,
		logger:   logger.With("component", "erase-worker"),
		kickCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

func (w *eraseWorker) Start() {
	w.wg.Add(1)
	go w.run()
}

func (w *eraseWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	w.wg.Wait()
}

// Kick asks for a pass without waiting for it.
func (w *eraseWorker) Kick() {
	select {
	case w.kickCh <- struct{}{}:
	default:
	}
}

func (w *eraseWorker) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.pass()
		case <-w.kickCh:
			w.pass()
		case <-w.stopCh:
			return
		}
	}
}

func (w *eraseWorker) pass() {
	// a latched fault stays until the recorder remounts
	if w.erase.Fault() != nil {
		return
	}
	if err := w.erase.EnsureErasedAhead(w.cursor()); err != nil {
		w.logger.Warn("[flashlog.erase]",
			slog.String("event_type", "erase.ahead.failed"),
			slog.Any("error", err),
		)
	}
}
