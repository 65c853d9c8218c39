// Package storage persists plugin settings, integration options and API users
package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("key not found")
	ErrPluginNotFound = errors.New("plugin not found")
	ErrUserNotFound   = errors.New("user not found")
)

// PluginConfig is the persisted enable flag of a plugin
type PluginConfig struct {
	Enabled bool   `json:"enabled"`
	Name    string `json:"name"`
}

// User is an API account. Only the bcrypt hash of the password is kept.
type User struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// PluginStore remembers which plugins are enabled.
// A plugin that was never enabled or disabled has no config.
type PluginStore interface {
	EnablePlugin(name string) error
	DisablePlugin(name string) error
	IsPluginEnabled(name string) (bool, error)
	GetPluginConfig(name string) (*PluginConfig, error)
}

// DataStore is a flat key/value namespace per plugin.
// Reads of a missing key return ErrNotFound.
type DataStore interface {
	Get(plugin, key string) ([]byte, error)
	GetBool(plugin, key string) (bool, error)
	Set(plugin, key string, value []byte) error
	SetBool(plugin, key string, value bool) error
	// SetMany writes all values in one transaction. A nil value deletes the key.
	SetMany(plugin string, values map[string][]byte) error
	Delete(plugin, key string) error
	List(plugin string) (map[string][]byte, error)
}

// UserStore keeps API accounts
type UserStore interface {
	GetUser(username string) (*User, error)
	PutUser(u *User) error
	CountUsers() (int, error)
}

// Storage is everything the application persists
type Storage interface {
	PluginStore
	DataStore
	UserStore
	Close() error
}
