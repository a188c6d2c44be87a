package export

import (
	"context"
	"fmt"
	"io"

	"github.com/unijord/flashlog/pkg/flash"
)

// DumpPages copies count raw pages starting at from to w, a block at a
// time. It returns the number of pages written.
func DumpPages(ctx context.Context, src Source, from, count int, w io.Writer) (int, error) {
	geo := src.Geometry()
	if from < 0 || count < 0 || from+count > geo.PageCount {
		return 0, fmt.Errorf("%w: pages %d+%d of %d", flash.ErrOutOfRange, from, count, geo.PageCount)
	}
	step := max(geo.PagesPerBlock, 1)
	done := 0
	for done < count {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		n := min(step, count-done)
		data, err := src.ReadPages(from+done, n)
		if err != nil {
			return done, fmt.Errorf("read pages %d+%d: %w", from+done, n, err)
		}
		if _, err := w.Write(data); err != nil {
			return done, fmt.Errorf("write pages: %w", err)
		}
		done += n
	}
	return done, nil
}
