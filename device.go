package flashlog

import (
	"errors"
	"fmt"
	"time"

	"github.com/unijord/flashlog/pkg/flash"
)

// device serialises every transport command through the bus and turns
// transport failures into engine errors.
type device struct {
	t          flash.Transport
	bus        flash.Bus
	busTimeout time.Duration
	poll       flash.PollPolicy
	geo        flash.Geometry
}

// do runs fn while holding the bus. It does not wait for the device.
func (d *device) do(fn func(flash.Transport) error) error {
	err := flash.WithBus(d.bus, d.busTimeout, func() error {
		return fn(d.t)
	})
	return classify(err)
}

// waitReady polls the status register, holding the bus one poll at a time
// so staging can go on while an erase runs.
func (d *device) waitReady() error {
	_, err := flash.WaitReady(busStatus{d}, d.poll)
	return classify(err)
}

// whenReady waits for the device and runs fn inside the same bus hold as
// the status read that reported ready, so no other command can sneak in.
func (d *device) whenReady(fn func(flash.Transport) error) error {
	r := &readyThen{d: d, fn: fn}
	if _, err := flash.WaitReady(r, d.poll); err != nil {
		return classify(err)
	}
	return classify(r.err)
}

func (d *device) readPage(page int, p []byte) error {
	return d.whenReady(func(t flash.Transport) error {
		return t.ReadPage(page, 0, p)
	})
}

type busStatus struct {
	d *device
}

func (b busStatus) ReadStatus() (flash.Status, error) {
	var st flash.Status
	err := flash.WithBus(b.d.bus, b.d.busTimeout, func() error {
		s, err := b.d.t.ReadStatus()
		st = s
		return err
	})
	return st, err
}

type readyThen struct {
	d   *device
	fn  func(flash.Transport) error
	err error
}

func (r *readyThen) ReadStatus() (flash.Status, error) {
	var st flash.Status
	err := flash.WithBus(r.d.bus, r.d.busTimeout, func() error {
		s, err := r.d.t.ReadStatus()
		if err != nil {
			return err
		}
		st = s
		if s.Ready() {
			r.err = r.fn(r.d.t)
		}
		return nil
	})
	return st, err
}

// classify maps transport errors onto the engine taxonomy while keeping the
// original error reachable through errors.Is.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrDeviceUnresponsive), errors.Is(err, ErrDeviceAbsent):
		return err
	case errors.Is(err, flash.ErrTimeout):
		return fmt.Errorf("%w: %w", ErrDeviceUnresponsive, err)
	case errors.Is(err, flash.ErrNoDevice):
		return fmt.Errorf("%w: %w", ErrDeviceAbsent, err)
	default:
		return err
	}
}

// isDeviceFault reports whether err should take the recorder out of service.
func isDeviceFault(err error) bool {
	return errors.Is(err, ErrDeviceUnresponsive) || errors.Is(err, ErrDeviceAbsent)
}
