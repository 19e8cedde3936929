package rdb

import (
	"errors"
	"fmt"
)

// ErrBadMagic and ErrUnsupportedVersion are returned by Parse when the
// header does not match a dump file this codec understands.
var (
	ErrBadMagic           = errors.New("rdb: bad magic")
	ErrUnsupportedVersion = errors.New("rdb: unsupported version")
)

// ErrCompactEncoding marks the packed zipmap/ziplist/intset/quicklist
// variants the parser recognizes but does not decode, per the reader
// surface's "reserved, may be unimplemented" allowance.
var ErrCompactEncoding = errors.New("rdb: compact encoding not supported")

func errUnsupportedKind(k ValueKind) error {
	return fmt.Errorf("rdb: unsupported value kind %d for writing", k)
}
