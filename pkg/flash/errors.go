package flash

import "errors"

var (
	ErrBusy          = errors.New("device busy")
	ErrTimeout       = errors.New("device did not become ready within poll budget")
	ErrBusTimeout    = errors.New("timed out acquiring the device bus")
	ErrOutOfRange    = errors.New("address outside device geometry")
	ErrUnknownDevice = errors.New("device id not in chip table")
	ErrNoDevice      = errors.New("no device responding on bus")
	ErrBadGeometry   = errors.New("invalid flash geometry")
	ErrBadImage      = errors.New("invalid chip image header")
	ErrImageClosed   = errors.New("chip image is closed")
)
