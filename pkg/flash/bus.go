package flash

import "time"

// Bus grants exclusive use of the wire a chip hangs off. The same bus may
// be shared with unrelated peripherals, so acquisition is always bounded.
type Bus interface {
	// Acquire blocks for at most timeout. It returns false if the bus
	// could not be taken in time.
	Acquire(timeout time.Duration) bool
	Release()
}

// Semaphore is a Bus backed by a one slot channel.
type Semaphore struct {
	ch chan struct{}
}

func NewSemaphore() *Semaphore {
	return &Semaphore{ch: make(chan struct{}, 1)}
}

func (s *Semaphore) Acquire(timeout time.Duration) bool {
	select {
	case s.ch <- struct{}{}:
		return true
	default:
	}
	if timeout <= 0 {
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s.ch <- struct{}{}:
		return true
	case <-timer.C:
		return false
	}
}

func (s *Semaphore) Release() {
	select {
	case <-s.ch:
	default:
		panic("flash: release of unheld bus semaphore")
	}
}

// WithBus runs fn while holding bus. The bus is released on every return
// path, including a panic inside fn.
func WithBus(bus Bus, timeout time.Duration, fn func() error) error {
	if !bus.Acquire(timeout) {
		return ErrBusTimeout
	}
	defer bus.Release()
	return fn()
}
