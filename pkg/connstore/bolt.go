package connstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jacktea/urifs/pkg/xerrors"
)

var (
	bucketConnections = []byte("connections")
	bucketAuthorities = []byte("authorities")
)

// BoltConfig configures the BoltDB-backed store.
type BoltConfig struct {
	Path    string
	NoSync  bool
	Timeout time.Duration
}

// BoltStore persists connections in BoltDB. Connections are stored by name
// as JSON; a second bucket indexes names by authority.
type BoltStore struct {
	cfg BoltConfig
	db  *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore opens or creates the database at cfg.Path.
func NewBoltStore(cfg BoltConfig) (*BoltStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("boltdb: path is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 1 * time.Second
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: cfg.Timeout, NoSync: cfg.NoSync})
	if err != nil {
		return nil, fmt.Errorf("boltdb: open: %w", err)
	}
	store := &BoltStore{cfg: cfg, db: db}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (b *BoltStore) init() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketConnections, bucketAuthorities} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("boltdb: create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
}

func (b *BoltStore) Put(_ context.Context, c Connection) error {
	if err := c.validate(); err != nil {
		return err
	}
	if c.Created.IsZero() {
		c.Created = time.Now()
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		conns := tx.Bucket(bucketConnections)
		index := tx.Bucket(bucketAuthorities)
		if old := conns.Get([]byte(c.Name)); old != nil {
			var prev Connection
			if err := json.Unmarshal(old, &prev); err == nil {
				if err := index.Delete([]byte(prev.Key())); err != nil {
					return err
				}
			}
		}
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		if err := conns.Put([]byte(c.Name), data); err != nil {
			return err
		}
		return index.Put([]byte(c.Key()), []byte(c.Name))
	})
}

func (b *BoltStore) Get(_ context.Context, name string) (Connection, error) {
	var c Connection
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		c, err = getConnection(tx, name)
		return err
	})
	return c, err
}

func getConnection(tx *bolt.Tx, name string) (Connection, error) {
	var c Connection
	data := tx.Bucket(bucketConnections).Get([]byte(name))
	if data == nil {
		return c, xerrors.E(xerrors.KindNotFound, "conn", name)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("boltdb: decode %s: %w", name, err)
	}
	return c, nil
}

func (b *BoltStore) Delete(_ context.Context, name string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		c, err := getConnection(tx, name)
		if err != nil {
			return err
		}
		index := tx.Bucket(bucketAuthorities)
		if string(index.Get([]byte(c.Key()))) == name {
			if err := index.Delete([]byte(c.Key())); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketConnections).Delete([]byte(name))
	})
}

func (b *BoltStore) List(context.Context) ([]Connection, error) {
	var out []Connection
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConnections).ForEach(func(k, v []byte) error {
			var c Connection
			if err := json.Unmarshal(v, &c); err != nil {
				return fmt.Errorf("boltdb: decode %s: %w", k, err)
			}
			out = append(out, c)
			return nil
		})
	})
	return out, err
}

func (b *BoltStore) Lookup(_ context.Context, u *url.URL) (Connection, bool, error) {
	var (
		c     Connection
		found bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketAuthorities)
		for _, key := range lookupKeys(u) {
			name := index.Get([]byte(key))
			if name == nil {
				continue
			}
			var err error
			c, err = getConnection(tx, string(name))
			if err != nil {
				return err
			}
			found = true
			return nil
		}
		return nil
	})
	return c, found, err
}

// Close closes the database.
func (b *BoltStore) Close() error {
	return b.db.Close()
}
