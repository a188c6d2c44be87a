package flash

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"time"

	"github.com/edsrzf/mmap-go"
)

const (
	imageHeaderSize = 64
	// "UFLI", unijord flash image.
	imageMagicNumber   = 0x55464C49
	imageHeaderVersion = 1
	imageFileModePerm  = 0644
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ImageHeader is stored in the first 64 bytes of a chip image file.
type ImageHeader struct {
	// at 0
	Magic uint32
	// at 4
	Version uint32
	// at 8, 12, 16
	Geometry Geometry
	// at 20
	ID DeviceID
	// at 24
	CreatedAt int64

	// at 32-55 reserved
	// at 56 CRC32C of the first 56 bytes, 60-63 padding
	CRC uint32
}

func decodeImageHeader(buf []byte) (*ImageHeader, error) {
	if len(buf) < imageHeaderSize {
		return nil, io.ErrUnexpectedEOF
	}
	crc := binary.LittleEndian.Uint32(buf[56:60])
	computed := crc32.Checksum(buf[0:56], crcTable)
	if crc != computed {
		return nil, fmt.Errorf("%w: crc mismatch: expected %08x, got %08x", ErrBadImage, crc, computed)
	}
	h := &ImageHeader{
		Magic:   binary.LittleEndian.Uint32(buf[0:4]),
		Version: binary.LittleEndian.Uint32(buf[4:8]),
		Geometry: Geometry{
			PageSize:      int(binary.LittleEndian.Uint32(buf[8:12])),
			PagesPerBlock: int(binary.LittleEndian.Uint32(buf[12:16])),
			PageCount:     int(binary.LittleEndian.Uint32(buf[16:20])),
		},
		ID: DeviceID{
			Manufacturer: buf[20],
			Device:       [2]byte{buf[21], buf[22]},
			Ext:          buf[23],
		},
		CreatedAt: int64(binary.LittleEndian.Uint64(buf[24:32])),
		CRC:       crc,
	}
	if h.Magic != imageMagicNumber {
		return nil, fmt.Errorf("%w: magic %08x", ErrBadImage, h.Magic)
	}
	if h.Version != imageHeaderVersion {
		return nil, fmt.Errorf("%w: version %d", ErrBadImage, h.Version)
	}
	return h, nil
}

func encodeImageHeader(buf []byte, h ImageHeader) {
	for i := range buf[:imageHeaderSize] {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint32(buf[0:4], imageMagicNumber)
	binary.LittleEndian.PutUint32(buf[4:8], imageHeaderVersion)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.Geometry.PageSize))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(h.Geometry.PagesPerBlock))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(h.Geometry.PageCount))
	id := h.ID.Bytes()
	copy(buf[20:24], id[:])
	binary.LittleEndian.PutUint64(buf[24:32], uint64(h.CreatedAt))
	binary.LittleEndian.PutUint32(buf[56:60], crc32.Checksum(buf[0:56], crcTable))
}

// ImageConfig is used when OpenImage creates a new file. For an existing
// file geometry and id come from its header.
type ImageConfig struct {
	Emulator EmulatorConfig
}

// Image is an emulated chip whose memory lives in an mmap'd file.
type Image struct {
	*Emulator

	path     string
	fd       *os.File
	mmapData mmap.MMap
	header   ImageHeader

	closeOnce sync.Once
	closed    bool
}

// OpenImage opens the image at path or creates it, factory erased, if it
// does not exist.
func OpenImage(path string, cfg ImageConfig) (*Image, error) {
	isNew, err := isNewImage(path)
	if err != nil {
		return nil, err
	}

	var header ImageHeader
	if isNew {
		if err := cfg.Emulator.Geometry.Validate(); err != nil {
			return nil, err
		}
		header = ImageHeader{
			Geometry:  cfg.Emulator.Geometry,
			ID:        cfg.Emulator.ID,
			CreatedAt: time.Now().UnixNano(),
		}
	} else {
		h, err := readImageHeader(path)
		if err != nil {
			return nil, err
		}
		header = *h
	}

	size := int64(imageHeaderSize) + header.Geometry.Bytes()
	fd, mmapData, err := prepareImageFile(path, size)
	if err != nil {
		return nil, err
	}

	mem := mmapData[imageHeaderSize:]
	if isNew {
		encodeImageHeader(mmapData[:imageHeaderSize], header)
		for i := range mem {
			mem[i] = 0xFF
		}
	}

	emuCfg := cfg.Emulator
	emuCfg.Geometry = header.Geometry
	emuCfg.ID = header.ID
	img := &Image{
		Emulator: newEmulatorOver(emuCfg, mem),
		path:     path,
		fd:       fd,
		mmapData: mmapData,
		header:   header,
	}
	return img, nil
}

func isNewImage(path string) (bool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return true, nil
	} else if err != nil {
		return false, fmt.Errorf("stat error: %w", err)
	}
	return false, nil
}

func readImageHeader(path string) (*ImageHeader, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fd.Close()

	buf := make([]byte, imageHeaderSize)
	if _, err := io.ReadFull(fd, buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	return decodeImageHeader(buf)
}

func prepareImageFile(path string, size int64) (*os.File, mmap.MMap, error) {
	fd, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, imageFileModePerm)
	if err != nil {
		return nil, nil, err
	}
	if err := fd.Truncate(size); err != nil {
		fd.Close()
		return nil, nil, fmt.Errorf("truncate error: %w", err)
	}
	mmapData, err := mmap.Map(fd, mmap.RDWR, 0)
	if err != nil {
		fd.Close()
		return nil, nil, fmt.Errorf("mmap error: %w", err)
	}
	return fd, mmapData, nil
}

func (img *Image) Path() string {
	return img.path
}

func (img *Image) Header() ImageHeader {
	return img.header
}

// Sync msyncs the mapping and fsyncs the file.
func (img *Image) Sync() error {
	if img.closed {
		return ErrImageClosed
	}
	if err := img.mmapData.Flush(); err != nil {
		return fmt.Errorf("mmap flush error: %w", err)
	}
	if err := img.fd.Sync(); err != nil {
		return fmt.Errorf("fsync error: %w", err)
	}
	return nil
}

// Close syncs and unmaps the image. The embedded emulator reports an absent
// device afterwards.
func (img *Image) Close() error {
	var cErr error
	img.closeOnce.Do(func() {
		if err := img.Sync(); err != nil {
			cErr = err
		}
		img.Emulator.detach()
		img.closed = true
		if err := img.mmapData.Unmap(); err != nil {
			_ = img.fd.Close()
			cErr = fmt.Errorf("unmap error: %w", err)
			return
		}
		if err := img.fd.Close(); err != nil {
			cErr = fmt.Errorf("file close error: %w", err)
		}
	})
	return cErr
}
