// Package flash describes the device side of the recorder: the transport
// capability set a flash chip is driven through, its geometry, the shared
// bus semaphore and the bounded ready-poll primitive.
//
// Two transports ship with the package. Emulator keeps the chip in memory
// and can inject the faults real hardware produces (absent device, a status
// register stuck busy, a program torn by power loss). Image persists the same
// emulated chip in an mmap'd file so the CLI and crash tests can reopen it.
//
// # Chip model
//
// Memory is split into pages (program unit) and blocks (erase unit). Writes
// never go straight to memory: data is written into one of two on-chip
// buffers and the buffer is then programmed into a page. Programming can only
// clear bits, erase sets every byte of the unit back to 0xFF:
//
//	BufferWrite ──► buffer ──BufferToPage──► page  (page &= buffer)
//	                buffer ◄─PageToBuffer─── page
//	Erase(unit) ─────────────────────────► 0xFF
//
// Program and erase leave the chip busy; callers poll ReadStatus through
// WaitReady, which gives up after a fixed budget instead of spinning forever.
package flash
