package flashlog

import (
	"fmt"
	"log/slog"

	"github.com/unijord/flashlog/pkg/flash"
)

// probe asks the chip who it is and whether it answers at all.
func (r *Recorder) probe() (flash.DeviceID, flash.Geometry, error) {
	d := &device{t: r.t, bus: r.bus, busTimeout: r.opts.busTimeout, poll: r.opts.poll}

	var id flash.DeviceID
	err := d.do(func(t flash.Transport) error {
		v, err := t.ReadID()
		id = v
		return err
	})
	if err != nil {
		return id, flash.Geometry{}, fmt.Errorf("read id: %w", err)
	}
	if id.IsAbsent() {
		return id, flash.Geometry{}, fmt.Errorf("%w: id reads %s", ErrDeviceAbsent, id)
	}
	if err := d.waitReady(); err != nil {
		return id, flash.Geometry{}, err
	}

	if r.opts.geometry != nil {
		return id, *r.opts.geometry, nil
	}
	chip, ok := flash.Lookup(id)
	if !ok {
		return id, flash.Geometry{}, fmt.Errorf("%w: %w: %s", ErrDeviceUnresponsive, flash.ErrUnknownDevice, id)
	}
	return id, chip.Geometry, nil
}

// Identify probes the device and mounts it when it is usable. Absence is
// reported as ErrDeviceAbsent and leaves the recorder a no-op sink; a chip
// that is present but faulted or unknown yields ErrDeviceUnresponsive. A
// successful Identify is what clears a suspension. Calling it again with
// nothing changed on the device returns the same result without
// remounting.
func (r *Recorder) Identify() (flash.DeviceID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.State() == StateClosed {
		return flash.DeviceID{}, ErrClosed
	}

	id, geo, err := r.probe()
	if err != nil {
		r.down(err)
		return id, err
	}

	st := r.State()
	if (st == StateReady || st == StateUnformatted) && r.mounted && r.id == id && r.geo == geo {
		return id, nil
	}

	r.logger.Info("[flashlog.recorder]",
		slog.String("event_type", "device.identified"),
		slog.String("id", id.String()),
		slog.String("geometry", geo.String()),
	)
	if err := r.mount(id, geo); err != nil {
		return id, err
	}
	return id, nil
}

// down takes the recorder out of service after err.
func (r *Recorder) down(err error) {
	r.stopWorker()
	if r.writer != nil {
		r.writer.abandon()
	}
	r.mounted = false

	next := StateSuspended
	if errAbsent(err) {
		next = StateAbsent
	}
	if prev := r.setState(next); prev != next {
		r.logger.Warn("[flashlog.recorder]",
			slog.String("event_type", "device.down"),
			slog.String("state", next.String()),
			slog.Any("error", err),
		)
	}
}
