// Package flashlog records sessions of typed records on page programmed,
// block erased flash and reads them back after power loss.
//
// Records are framed as [tag][length][payload][CRC16] and never span a
// page. A session starts with a start marker and ends with an end marker;
// one without its end marker is reported torn by the recovery scan, which
// is the normal outcome of losing power mid recording. Page 0 holds the
// device metadata.
//
// Writes go through the two on-chip buffers: a page is staged in one
// buffer, programmed without waiting, and the next page fills the other
// buffer in the meantime. Pages are only ever programmed when the erase
// manager knows them erased. An erase worker keeps a window of pages ahead
// of the cursor erased so appends never wait on an erase.
//
// Basic use:
//
//	r, err := flashlog.Open(transport, flashlog.WithLogger(logger))
//	n, err := r.StartSession()
//	err = r.Append(flashlog.Tag(1), payload)
//	err = r.EndSession()
//
//	cur, err := r.OpenSession(n)
//	defer cur.Close()
//	for {
//		rec, err := cur.Next()
//		if errors.Is(err, flashlog.ErrEndOfSession) {
//			break
//		}
//		...
//	}
package flashlog
