package export

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	// id -> manifest
	bucketExports = []byte("exports")
	// device, 0, session -> id of the latest export of that session
	bucketSessions = []byte("sessions")
)

// Catalog remembers exports across runs in a bbolt file.
type Catalog struct {
	db     *bolt.DB
	logger *slog.Logger
}

func OpenCatalog(path string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketExports); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketSessions); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Catalog{db: db, logger: logger.With("component", "catalog")}, nil
}

// Put stores m and makes it the latest export of its session.
func (c *Catalog) Put(m Manifest) error {
	id, err := uuid.Parse(m.ID)
	if err != nil {
		return fmt.Errorf("manifest id %q: %w", m.ID, err)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}

	err = c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketExports).Put(id[:], data); err != nil {
			return err
		}
		return tx.Bucket(bucketSessions).Put(sessionKey(m.Device, m.Session), id[:])
	})
	if err != nil {
		return err
	}
	c.logger.Debug("[flashlog.catalog]",
		slog.String("event_type", "export.recorded"),
		slog.String("id", m.ID),
		slog.Uint64("session", uint64(m.Session)),
	)
	return nil
}

func (c *Catalog) Get(id string) (*Manifest, error) {
	key, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrNotFound, id, err)
	}
	var m *Manifest
	err = c.db.View(func(tx *bolt.Tx) error {
		var err error
		m, err = getManifest(tx, key[:])
		return err
	})
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m, nil
}

// Exported returns the latest export of session on device.
func (c *Catalog) Exported(device string, session uint32) (*Manifest, bool, error) {
	var m *Manifest
	err := c.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketSessions).Get(sessionKey(device, session))
		if id == nil {
			return nil
		}
		var err error
		m, err = getManifest(tx, id)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return m, m != nil, nil
}

// List returns every export, oldest first.
func (c *Catalog) List() ([]Manifest, error) {
	var out []Manifest
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExports).ForEach(func(k, v []byte) error {
			var m Manifest
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("decode manifest %x: %w", k, err)
			}
			out = append(out, m)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(out, func(a, b Manifest) int {
		return a.ExportedAt.Compare(b.ExportedAt)
	})
	return out, nil
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

func getManifest(tx *bolt.Tx, id []byte) (*Manifest, error) {
	data := tx.Bucket(bucketExports).Get(id)
	if data == nil {
		return nil, nil
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

func sessionKey(device string, session uint32) []byte {
	key := make([]byte, 0, len(device)+5)
	key = append(key, device...)
	key = append(key, 0)
	return binary.BigEndian.AppendUint32(key, session)
}
