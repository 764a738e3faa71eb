package cache

import (
	"context"
	"errors"
	"time"
)

// Namespace names used by the ingest pipeline.
const (
	NamespaceCache = "cache"
	NamespaceWrite = "write"
)

var ErrEmptyKey = errors.New("cache: empty key")

// Meta is per-key bookkeeping stored next to a value.
type Meta struct {
	LastWriteAt time.Time
}

// Store is one namespace of a key-value store. Implementations must be safe
// for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	GetMeta(ctx context.Context, key string) (Meta, bool, error)
	SetMeta(ctx context.Context, key string, meta Meta) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Namespaces pairs the last-seen cache with the staged-write area.
type Namespaces struct {
	Cache Store
	Write Store
}

// Validate checks both namespaces are mounted.
func (n Namespaces) Validate() error {
	if n.Cache == nil {
		return errors.New("cache: nil cache namespace")
	}
	if n.Write == nil {
		return errors.New("cache: nil write namespace")
	}
	return nil
}
