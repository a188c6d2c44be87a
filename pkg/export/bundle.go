package export

import (
	"fmt"
	"os"

	"github.com/cespare/xxhash/v2"
	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/unijord/flashlog"
	fbexport "github.com/unijord/flashlog/pkg/gen/go/fb/export"
)

// Bundle is a decoded session bundle.
type Bundle struct {
	Manifest Manifest
	Status   flashlog.SessionStatus
	Records  []flashlog.Record
}

// ReadBundle decodes a bundle and checks its digest. Records are copied out
// of data.
func ReadBundle(data []byte) (b *Bundle, err error) {
	if len(data) < flatbuffers.SizeUOffsetT+len(fbexport.SessionBundleIdentifier) {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadBundle, len(data))
	}
	id := string(data[flatbuffers.SizeUOffsetT : flatbuffers.SizeUOffsetT+len(fbexport.SessionBundleIdentifier)])
	if id != fbexport.SessionBundleIdentifier {
		return nil, fmt.Errorf("%w: identifier %q", ErrBadBundle, id)
	}
	// offsets in a damaged buffer make the accessors index out of range
	defer func() {
		if r := recover(); r != nil {
			b, err = nil, fmt.Errorf("%w: %v", ErrBadBundle, r)
		}
	}()

	root := fbexport.GetRootAsSessionBundle(data, 0)
	out := &Bundle{
		Manifest: Manifest{
			ID:         string(root.Id()),
			Device:     string(root.DeviceId()),
			Session:    root.Session(),
			StartPage:  int(root.StartPage()),
			EndPage:    int(root.EndPage()),
			StartedAt:  fromUnixNano(root.StartedAt()),
			EndedAt:    fromUnixNano(root.EndedAt()),
			ExportedAt: fromUnixNano(root.ExportedAt()),
			Filter:     string(root.Filter()),
			Corrupt:    int(root.CorruptRecords()),
			Digest:     root.Digest(),
			Size:       len(data),
		},
		Status: statusFromFB(root.Status()),
	}
	out.Manifest.Status = out.Status.String()

	digest := xxhash.New()
	n := root.RecordsLength()
	out.Records = make([]flashlog.Record, 0, n)
	var rec fbexport.Record
	for i := 0; i < n; i++ {
		if !root.Records(&rec, i) {
			break
		}
		r := flashlog.Record{
			Tag:     flashlog.Tag(rec.Tag()),
			Payload: append([]byte{}, rec.PayloadBytes()...),
			Page:    int(rec.Page()),
			Offset:  int(rec.Offset()),
			Index:   int(rec.Index()),
		}
		writeDigest(digest, r.Tag, r.Payload)
		out.Manifest.Bytes += int64(len(r.Payload))
		out.Records = append(out.Records, r)
	}
	out.Manifest.Records = len(out.Records)

	if sum := digest.Sum64(); sum != out.Manifest.Digest {
		return nil, fmt.Errorf("%w: expected %016x, got %016x", ErrDigestMismatch, out.Manifest.Digest, sum)
	}
	return out, nil
}

func ReadBundleFile(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	b, err := ReadBundle(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	b.Manifest.Path = path
	return b, nil
}
