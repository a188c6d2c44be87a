package export

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func manifest(device string, session uint32, at time.Time) Manifest {
	return Manifest{
		ID:         uuid.NewString(),
		Device:     device,
		Session:    session,
		Status:     "closed",
		ExportedAt: at,
		Records:    int(session) * 10,
		Digest:     uint64(session) << 32,
	}
}

func TestCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exports.db")
	c, err := OpenCatalog(path, testLogger())
	require.NoError(t, err)

	base := time.Unix(1_700_000_000, 0).UTC()
	first := manifest("1f7e0100", 1, base.Add(2*time.Minute))
	second := manifest("1f7e0100", 2, base)
	again := manifest("1f7e0100", 1, base.Add(5*time.Minute))
	other := manifest("1f280000", 1, base.Add(time.Minute))
	for _, m := range []Manifest{first, second, again, other} {
		require.NoError(t, c.Put(m))
	}

	got, err := c.Get(first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Records, got.Records)
	assert.True(t, first.ExportedAt.Equal(got.ExportedAt))

	latest, ok, err := c.Exported("1f7e0100", 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, again.ID, latest.ID)

	m, ok, err := c.Exported("1f280000", 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, other.ID, m.ID)

	_, ok, err = c.Exported("1f280000", 2)
	require.NoError(t, err)
	assert.False(t, ok)

	list, err := c.List()
	require.NoError(t, err)
	require.Len(t, list, 4)
	ids := []string{list[0].ID, list[1].ID, list[2].ID, list[3].ID}
	assert.Equal(t, []string{second.ID, other.ID, first.ID, again.ID}, ids)

	require.NoError(t, c.Close())

	c, err = OpenCatalog(path, testLogger())
	require.NoError(t, err)
	defer c.Close()
	latest, ok, err = c.Exported("1f7e0100", 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, again.ID, latest.ID)
}

func TestCatalog_NotFound(t *testing.T) {
	c, err := OpenCatalog(filepath.Join(t.TempDir(), "exports.db"), nil)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Get(uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.Get("not-a-uuid")
	assert.ErrorIs(t, err, ErrNotFound)

	err = c.Put(Manifest{ID: "not-a-uuid"})
	assert.Error(t, err)

	list, err := c.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}
