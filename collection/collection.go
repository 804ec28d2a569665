// Package collection provides access to distributed sets and maps that
// are shared by every node of a cluster group. The replication itself
// is delegated to the backing data store (etcd, DynamoDB, Postgres,
// MongoDB, Redis); this package only defines the addressing scheme and
// the primitive operations.
package collection

import (
	"context"
	"errors"
	"strings"
)

// Separator joins the segments of a distributed collection key.
const Separator = "."

// ReservedCategory is the first key segment of the collections used by
// the node itself (group registry, cluster configuration). Resource
// categories must not use it.
const ReservedCategory = "cellar"

var ErrInvalidKey = errors.New("invalid collection key")

// Key returns the flat, global key of the collection holding the given
// resource category for a cluster group. Group names never contain the
// separator, so two distinct (category, group) pairs never collide.
func Key(category string, group string) string {
	return category + Separator + group
}

// IsReserved reports whether category would address the node's own
// collections.
func IsReserved(category string) bool {
	return category == ReservedCategory || strings.HasPrefix(category, ReservedCategory+Separator)
}

// SplitKey is the inverse of Key.
func SplitKey(key string) (category string, group string, err error) {
	i := strings.LastIndex(key, Separator)
	if i <= 0 || i == len(key)-1 {
		return "", "", ErrInvalidKey
	}
	return key[:i], key[i+1:], nil
}

// Set is a distributed set of strings. Add and Remove are atomic per
// member, there are no transactions spanning several members.
type Set interface {
	Add(ctx context.Context, member string) error
	Remove(ctx context.Context, member string) error
	Contains(ctx context.Context, member string) (bool, error)
	Members(ctx context.Context) ([]string, error)
}

// Map is a distributed map of strings. Put is atomic per field and
// overwrites (last writer wins).
type Map interface {
	Put(ctx context.Context, field string, value string) error
	Get(ctx context.Context, field string) (string, bool, error)
	Delete(ctx context.Context, field string) error
	Entries(ctx context.Context) (map[string]string, error)
}

// Backend hands out the collections stored in one data store.
// Collections are created lazily on first write and are never
// destroyed by this package.
type Backend interface {
	Name() string
	Set(key string) Set
	Map(key string) Map
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
