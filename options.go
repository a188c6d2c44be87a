package flashlog

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/unijord/flashlog/pkg/flash"
)

// EraseAheadPolicy selects who keeps the lookahead window erased.
type EraseAheadPolicy int

const (
	// EraseAheadBackground runs erases on a worker goroutine. Appends never
	// issue an erase and fail with ErrNotErased if the worker falls behind.
	EraseAheadBackground EraseAheadPolicy = iota
	// EraseAheadInline erases from the append path at page boundaries.
	// Meant for tooling and tests that have no deadline to keep.
	EraseAheadInline
)

func (p EraseAheadPolicy) String() string {
	switch p {
	case EraseAheadBackground:
		return "background"
	case EraseAheadInline:
		return "inline"
	default:
		return fmt.Sprintf("EraseAheadPolicy(%d)", int(p))
	}
}

const (
	defaultBusTimeout      = 50 * time.Millisecond
	defaultMaxCorruptPages = 4
	defaultWorkerInterval  = 10 * time.Millisecond
)

type options struct {
	logger           *slog.Logger
	geometry         *flash.Geometry
	eraseAhead       int
	eraseAheadPolicy EraseAheadPolicy
	wraparound       bool
	poll             flash.PollPolicy
	bus              flash.Bus
	busTimeout       time.Duration
	clock            func() time.Time
	skipCorrupt      bool
	maxCorruptPages  int
	workerInterval   time.Duration
}

// Option configures a Recorder.
type Option func(*options)

func defaultOptions() *options {
	return &options{
		logger:          slog.Default(),
		poll:            flash.DefaultPollPolicy(),
		busTimeout:      defaultBusTimeout,
		clock:           time.Now,
		maxCorruptPages: defaultMaxCorruptPages,
		workerInterval:  defaultWorkerInterval,
	}
}

func (o *options) validate() error {
	if o.geometry != nil {
		if err := o.geometry.Validate(); err != nil {
			return err
		}
	}
	if o.eraseAhead < 0 {
		return fmt.Errorf("erase-ahead must not be negative: %d", o.eraseAhead)
	}
	if o.maxCorruptPages < 0 {
		return fmt.Errorf("max corrupt pages must not be negative: %d", o.maxCorruptPages)
	}
	if o.busTimeout <= 0 {
		return fmt.Errorf("bus timeout must be positive: %s", o.busTimeout)
	}
	return nil
}

// lookahead is the erase-ahead window in pages, two blocks unless set.
func (o *options) lookahead(geo flash.Geometry) int {
	if o.eraseAhead > 0 {
		return o.eraseAhead
	}
	return 2 * geo.PagesPerBlock
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithGeometry overrides the chip table. Required for parts Lookup does
// not know.
func WithGeometry(g flash.Geometry) Option {
	return func(o *options) {
		o.geometry = &g
	}
}

// WithEraseAhead sets how many pages past the cursor are kept erased.
func WithEraseAhead(pages int) Option {
	return func(o *options) {
		o.eraseAhead = pages
	}
}

func WithEraseAheadPolicy(p EraseAheadPolicy) Option {
	return func(o *options) {
		o.eraseAheadPolicy = p
	}
}

// WithWraparound lets the writer continue at the first data page once the
// last one is full, erasing the oldest sessions as it goes. Off by
// default: a full device reports ErrStorageFull.
func WithWraparound(enabled bool) Option {
	return func(o *options) {
		o.wraparound = enabled
	}
}

func WithPollPolicy(p flash.PollPolicy) Option {
	return func(o *options) {
		o.poll = p
	}
}

// WithBus shares the bus token with other peripherals.
func WithBus(bus flash.Bus) Option {
	return func(o *options) {
		if bus != nil {
			o.bus = bus
		}
	}
}

func WithBusTimeout(d time.Duration) Option {
	return func(o *options) {
		o.busTimeout = d
	}
}

func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithSkipCorrupt makes cursors resume at the next page after a corrupt
// record instead of stopping.
func WithSkipCorrupt(enabled bool) Option {
	return func(o *options) {
		o.skipCorrupt = enabled
	}
}

// WithMaxCorruptPages sets how many corrupt pages in a row a scan accepts
// before giving up.
func WithMaxCorruptPages(n int) Option {
	return func(o *options) {
		o.maxCorruptPages = n
	}
}

// WithEraseWorkerInterval sets how often the background eraser wakes up
// without being kicked.
func WithEraseWorkerInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.workerInterval = d
		}
	}
}
