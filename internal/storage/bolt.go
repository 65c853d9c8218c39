package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.etcd.io/bbolt"
)

// Top-level buckets. Plugin data lives in one nested bucket per plugin below dataBucket.
var (
	configBucket = []byte("_config")
	dataBucket   = []byte("_data")
	usersBucket  = []byte("_users")
)

// BoltStorage keeps everything in a single bbolt file
type BoltStorage struct {
	db *bbolt.DB
}

var _ Storage = (*BoltStorage)(nil)

// NewBoltStorage opens or creates the database at path
func NewBoltStorage(path string) (*BoltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{configBucket, dataBucket, usersBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db}, nil
}

// Close closes the database file
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

// getJSON decodes the value at key in a top-level bucket, or returns missing
func (s *BoltStorage) getJSON(bucket []byte, key string, v any, missing error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return missing
		}
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("failed to decode %s/%s: %w", bucket, key, err)
		}
		return nil
	})
}

func (s *BoltStorage) putJSON(bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", bucket, key, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

// pluginBucket returns the nested data bucket of a plugin, nil if it was never written
func pluginBucket(tx *bbolt.Tx, plugin string) *bbolt.Bucket {
	return tx.Bucket(dataBucket).Bucket([]byte(plugin))
}

func (s *BoltStorage) EnablePlugin(name string) error {
	return s.putJSON(configBucket, name, PluginConfig{Name: name, Enabled: true})
}

func (s *BoltStorage) DisablePlugin(name string) error {
	return s.putJSON(configBucket, name, PluginConfig{Name: name, Enabled: false})
}

// IsPluginEnabled reports false for plugins that were never configured
func (s *BoltStorage) IsPluginEnabled(name string) (bool, error) {
	cfg, err := s.GetPluginConfig(name)
	switch {
	case err == ErrPluginNotFound:
		return false, nil
	case err != nil:
		return false, err
	}
	return cfg.Enabled, nil
}

func (s *BoltStorage) GetPluginConfig(name string) (*PluginConfig, error) {
	cfg := &PluginConfig{}
	if err := s.getJSON(configBucket, name, cfg, ErrPluginNotFound); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Get returns a copy of the stored value
func (s *BoltStorage) Get(plugin, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := pluginBucket(tx, plugin)
		if b == nil {
			return ErrNotFound
		}
		data := b.Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		value = append([]byte(nil), data...)
		return nil
	})
	return value, err
}

func (s *BoltStorage) GetBool(plugin, key string) (bool, error) {
	data, err := s.Get(plugin, key)
	if err != nil {
		return false, err
	}
	v, err := strconv.ParseBool(string(data))
	if err != nil {
		return false, fmt.Errorf("%s/%s is not a bool: %w", plugin, key, err)
	}
	return v, nil
}

func (s *BoltStorage) Set(plugin, key string, value []byte) error {
	return s.SetMany(plugin, map[string][]byte{key: value})
}

func (s *BoltStorage) SetBool(plugin, key string, value bool) error {
	return s.Set(plugin, key, strconv.AppendBool(nil, value))
}

func (s *BoltStorage) SetMany(plugin string, values map[string][]byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(dataBucket).CreateBucketIfNotExists([]byte(plugin))
		if err != nil {
			return fmt.Errorf("failed to create bucket for %s: %w", plugin, err)
		}
		for k, v := range values {
			if v == nil {
				err = b.Delete([]byte(k))
			} else {
				err = b.Put([]byte(k), v)
			}
			if err != nil {
				return fmt.Errorf("failed to write %s/%s: %w", plugin, k, err)
			}
		}
		return nil
	})
}

// Delete removes a key. Deleting from a plugin without data is ErrNotFound.
func (s *BoltStorage) Delete(plugin, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := pluginBucket(tx, plugin)
		if b == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(key))
	})
}

// List copies every key of a plugin
func (s *BoltStorage) List(plugin string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := pluginBucket(tx, plugin)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			out[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	return out, err
}

func (s *BoltStorage) GetUser(username string) (*User, error) {
	u := &User{}
	if err := s.getJSON(usersBucket, username, u, ErrUserNotFound); err != nil {
		return nil, err
	}
	return u, nil
}

// PutUser creates or replaces a user, stamping CreatedAt when unset
func (s *BoltStorage) PutUser(u *User) error {
	if u == nil || u.Username == "" {
		return fmt.Errorf("username is required")
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	return s.putJSON(usersBucket, u.Username, u)
}

func (s *BoltStorage) CountUsers() (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(usersBucket).Stats().KeyN
		return nil
	})
	return n, err
}
