package flash

import "fmt"

// Geometry is the fixed shape of a flash medium. All addressing is a page
// index plus an offset inside that page.
type Geometry struct {
	PageSize      int `json:"pageSize"`
	PagesPerBlock int `json:"pagesPerBlock"`
	PageCount     int `json:"pageCount"`
}

// Validate reports whether g describes a usable medium.
func (g Geometry) Validate() error {
	switch {
	case g.PageSize < 64 || g.PageSize > 1<<16:
		return fmt.Errorf("%w: page size %d", ErrBadGeometry, g.PageSize)
	case g.PagesPerBlock < 1:
		return fmt.Errorf("%w: pages per block %d", ErrBadGeometry, g.PagesPerBlock)
	case g.PageCount < 2*g.PagesPerBlock:
		return fmt.Errorf("%w: %d pages is less than two blocks", ErrBadGeometry, g.PageCount)
	case g.PageCount%g.PagesPerBlock != 0:
		return fmt.Errorf("%w: page count %d not a multiple of block size %d",
			ErrBadGeometry, g.PageCount, g.PagesPerBlock)
	}
	return nil
}

func (g Geometry) Blocks() int {
	return g.PageCount / g.PagesPerBlock
}

func (g Geometry) BlockOf(page int) int {
	return page / g.PagesPerBlock
}

func (g Geometry) FirstPage(block int) int {
	return block * g.PagesPerBlock
}

// Bytes is the total capacity of the medium.
func (g Geometry) Bytes() int64 {
	return int64(g.PageSize) * int64(g.PageCount)
}

func (g Geometry) String() string {
	return fmt.Sprintf("%dx%dB (%d pages/block)", g.PageCount, g.PageSize, g.PagesPerBlock)
}

// DeviceID is the manufacturer and device identification a chip returns.
type DeviceID struct {
	Manufacturer byte
	Device       [2]byte
	Ext          byte
}

// IsAbsent reports whether the id is what a floating or grounded bus reads
// back when nothing answers.
func (id DeviceID) IsAbsent() bool {
	b := id.Bytes()
	allZero, allOne := true, true
	for _, v := range b {
		if v != 0x00 {
			allZero = false
		}
		if v != 0xFF {
			allOne = false
		}
	}
	return allZero || allOne
}

func (id DeviceID) Bytes() [4]byte {
	return [4]byte{id.Manufacturer, id.Device[0], id.Device[1], id.Ext}
}

func (id DeviceID) String() string {
	return fmt.Sprintf("%02x-%02x%02x-%02x", id.Manufacturer, id.Device[0], id.Device[1], id.Ext)
}

// ChipInfo binds a device id to the geometry of that part.
type ChipInfo struct {
	Name     string
	ID       DeviceID
	Geometry Geometry
}

// AT45DB parts in power-of-two page mode. The block is the 8 page erase unit.
var chipTable = []ChipInfo{
	{
		Name:     "AT45DB041D",
		ID:       DeviceID{Manufacturer: 0x1F, Device: [2]byte{0x24, 0x00}},
		Geometry: Geometry{PageSize: 256, PagesPerBlock: 8, PageCount: 2048},
	},
	{
		Name:     "AT45DB161D",
		ID:       DeviceID{Manufacturer: 0x1F, Device: [2]byte{0x26, 0x00}},
		Geometry: Geometry{PageSize: 512, PagesPerBlock: 8, PageCount: 4096},
	},
	{
		Name:     "AT45DB321D",
		ID:       DeviceID{Manufacturer: 0x1F, Device: [2]byte{0x27, 0x01}},
		Geometry: Geometry{PageSize: 512, PagesPerBlock: 8, PageCount: 8192},
	},
	{
		Name:     "AT45DB642D",
		ID:       DeviceID{Manufacturer: 0x1F, Device: [2]byte{0x28, 0x00}},
		Geometry: Geometry{PageSize: 1024, PagesPerBlock: 8, PageCount: 8192},
	},
}

// Lookup finds the chip matching id. The extended byte is ignored, it
// carries revision data that varies between lots of the same part.
func Lookup(id DeviceID) (ChipInfo, bool) {
	for _, c := range chipTable {
		if c.ID.Manufacturer == id.Manufacturer && c.ID.Device == id.Device {
			return c, true
		}
	}
	return ChipInfo{}, false
}

// Chips returns a copy of the known chip table.
func Chips() []ChipInfo {
	out := make([]ChipInfo, len(chipTable))
	copy(out, chipTable)
	return out
}
