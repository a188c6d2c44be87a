package flash

// BufferID selects one of the on-chip staging buffers.
type BufferID int

const (
	Buffer1 BufferID = iota
	Buffer2
)

// NumBuffers is the number of staging buffers a chip provides.
const NumBuffers = 2

func (b BufferID) Valid() bool {
	return b >= 0 && b < NumBuffers
}

// EraseUnit is the granularity of an erase command.
type EraseUnit int

const (
	UnitPage EraseUnit = iota
	UnitBlock
	UnitChip
)

func (u EraseUnit) String() string {
	switch u {
	case UnitPage:
		return "page"
	case UnitBlock:
		return "block"
	case UnitChip:
		return "chip"
	default:
		return "unknown"
	}
}

// Status is the raw status register.
type Status byte

const (
	StatusReady   Status = 0x80
	StatusCompare Status = 0x40
)

func (s Status) Ready() bool {
	return s&StatusReady != 0
}

// StatusReader is the part of a Transport WaitReady needs.
type StatusReader interface {
	ReadStatus() (Status, error)
}

// Transport is the capability set the engine drives a chip through.
// Implementations are synchronous and not safe for concurrent use; the
// caller serialises access with a Bus.
type Transport interface {
	StatusReader

	ReadID() (DeviceID, error)

	// BufferWrite copies data into buf starting at offset.
	BufferWrite(buf BufferID, offset int, data []byte) error
	// BufferRead copies len(p) bytes of buf starting at offset into p.
	BufferRead(buf BufferID, offset int, p []byte) error
	// BufferToPage programs buf into page. The chip is busy until the
	// program completes.
	BufferToPage(buf BufferID, page int) error
	// PageToBuffer loads page into buf.
	PageToBuffer(buf BufferID, page int) error
	// ReadPage reads main memory directly, bypassing the buffers.
	ReadPage(page int, offset int, p []byte) error
	// Erase starts erasing the unit at index. index is ignored for UnitChip.
	Erase(unit EraseUnit, index int) error
}
