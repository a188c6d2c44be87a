package flashlog

import "errors"

var (
	// ErrDeviceAbsent means nothing answers on the bus. Recording degrades to
	// a no-op sink until Identify finds a device.
	ErrDeviceAbsent = errors.New("flash device absent")
	// ErrDeviceUnresponsive means the device is present but a status wait
	// ran out of budget or its identity is unusable. The active session is
	// lost and recording stays suspended until Identify succeeds again.
	ErrDeviceUnresponsive = errors.New("flash device unresponsive")
	// ErrNotErased is a programming error: a page was about to be
	// programmed while not in the erased state. It is never corrected by an
	// implicit erase.
	ErrNotErased = errors.New("target page is not erased")
	// ErrStorageFull means capacity is exhausted under the current
	// wraparound policy.
	ErrStorageFull = errors.New("flash storage full")
	// ErrCorruptRecord is a frame whose length or checksum does not hold.
	ErrCorruptRecord = errors.New("corrupt record")

	ErrEndOfSession       = errors.New("end of session")
	ErrSessionNotFound    = errors.New("session not found")
	ErrNoSession          = errors.New("no session started")
	ErrSessionActive      = errors.New("a session is already active")
	ErrRecordTooLarge     = errors.New("record does not fit in a page")
	ErrReservedTag        = errors.New("type tag is reserved for session markers")
	ErrBadOffset          = errors.New("offset outside page")
	ErrUnformatted        = errors.New("flash metadata page is not valid, format required")
	ErrClosed             = errors.New("recorder is closed")
	ErrReadersActive      = errors.New("session readers still open")
	ErrRecordingSuspended = errors.New("recording suspended after device fault")
)
