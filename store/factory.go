package store

import (
	"fmt"

	"github.com/BaSui01/dreamforge/config"
)

// New creates a Store for the configured driver.
func New(cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "postgres":
		return NewGormStore(cfg)
	case "redis":
		return NewRedisStore(cfg)
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}

// MustNew creates a Store or panics on error.
//
// WARNING: initialization use only (main or init). For runtime store
// creation use New instead.
func MustNew(cfg config.StoreConfig) Store {
	s, err := New(cfg)
	if err != nil {
		panic(fmt.Sprintf("failed to create store: %v", err))
	}
	return s
}
