package rdb

import (
	"time"

	"github.com/kvnode/keydb/internal/store"
)

// Order is one keyed entry read from, or to be written to, a dump file:
// a dataset number, an optional wall-clock expiration, and exactly one of
// the typed payload fields selected by Kind.
type Order struct {
	Dataset   uint32
	Expire    *time.Time
	Kind      ValueKind
	Key       string
	String    []byte
	List      *store.List
	Set       *store.Set
	SortedSet *store.SortedSet
	Hash      *store.Hash
}

// NewStringOrder builds a string-kind Order, the only kind the keyspace
// engine itself ever writes.
func NewStringOrder(dataset uint32, key string, value []byte, expire *time.Time) Order {
	return Order{Dataset: dataset, Kind: KindString, Key: key, String: value, Expire: expire}
}
