package rdb

import (
	"encoding/binary"
	"io"
	"math"
	"strconv"
	"time"
)

// Writer serializes a sequence of Orders into the dump format: Init once,
// any number of WriteAux/WriteResizeDB/WriteOrder calls, then Finish. It
// never writes a compact/special encoding — every blob is length-prefixed
// raw bytes and every float score is ASCII-decimal — mirroring the
// reference serializer, which likewise never emits int8/16/32 or LZF
// encodings on the write side even though the reader must accept them.
type Writer struct {
	out         *crcWriter
	lastDataset *uint32
}

// NewWriter wraps w (typically a buffered file) with a dump-format Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{out: newCRCWriter(w)}
}

// Init writes the magic and version header. Must be called first.
func (w *Writer) Init() error {
	if _, err := w.out.Write([]byte(magic)); err != nil {
		return err
	}
	_, err := w.out.Write([]byte(writeVersion))
	return err
}

// WriteAux writes an AUX metadata key/value pair.
func (w *Writer) WriteAux(key, val []byte) error {
	if err := writeByte(w.out, opAux); err != nil {
		return err
	}
	if err := writeBlob(w.out, key); err != nil {
		return err
	}
	return writeBlob(w.out, val)
}

// WriteResizeDB writes a SELECTDB(db) followed by a RESIZEDB(size,
// expireSize) hint.
func (w *Writer) WriteResizeDB(db, size, expireSize uint32) error {
	if err := w.selectDB(db); err != nil {
		return err
	}
	if err := writeByte(w.out, opResizeDB); err != nil {
		return err
	}
	if err := writeLength(w.out, size); err != nil {
		return err
	}
	return writeLength(w.out, expireSize)
}

// WriteOrder writes one keyed entry, switching database only when it
// differs from the previously written one.
func (w *Writer) WriteOrder(o Order) error {
	if err := w.selectDB(o.Dataset); err != nil {
		return err
	}
	if o.Expire != nil {
		if err := w.writeExpire(*o.Expire); err != nil {
			return err
		}
	}
	switch o.Kind {
	case KindString:
		if err := writeByte(w.out, byte(KindString)); err != nil {
			return err
		}
		if err := writeBlob(w.out, []byte(o.Key)); err != nil {
			return err
		}
		return writeBlob(w.out, o.String)
	case KindList:
		if err := writeByte(w.out, byte(KindList)); err != nil {
			return err
		}
		if err := writeBlob(w.out, []byte(o.Key)); err != nil {
			return err
		}
		if err := writeLength(w.out, uint32(o.List.Len())); err != nil {
			return err
		}
		for _, item := range o.List.Items {
			if err := writeBlob(w.out, item); err != nil {
				return err
			}
		}
		return nil
	case KindSet:
		if err := writeByte(w.out, byte(KindSet)); err != nil {
			return err
		}
		if err := writeBlob(w.out, []byte(o.Key)); err != nil {
			return err
		}
		members := o.Set.Members()
		if err := writeLength(w.out, uint32(len(members))); err != nil {
			return err
		}
		for _, m := range members {
			if err := writeBlob(w.out, m); err != nil {
				return err
			}
		}
		return nil
	case KindSortedSet:
		if err := writeByte(w.out, byte(KindSortedSet)); err != nil {
			return err
		}
		if err := writeBlob(w.out, []byte(o.Key)); err != nil {
			return err
		}
		if err := writeLength(w.out, uint32(o.SortedSet.Len())); err != nil {
			return err
		}
		for _, e := range o.SortedSet.Entries {
			if err := writeBlob(w.out, e.Member); err != nil {
				return err
			}
			if err := writeFloat64(w.out, e.Score); err != nil {
				return err
			}
		}
		return nil
	case KindHash:
		if err := writeByte(w.out, byte(KindHash)); err != nil {
			return err
		}
		if err := writeBlob(w.out, []byte(o.Key)); err != nil {
			return err
		}
		fields := o.Hash.Fields()
		if err := writeLength(w.out, uint32(len(fields))); err != nil {
			return err
		}
		for _, f := range fields {
			if err := writeBlob(w.out, f.Field); err != nil {
				return err
			}
			if err := writeBlob(w.out, f.Value); err != nil {
				return err
			}
		}
		return nil
	default:
		return errUnsupportedKind(o.Kind)
	}
}

// Finish writes the EOF opcode and the little-endian CRC-64 trailer.
func (w *Writer) Finish() error {
	if err := writeByte(w.out, opEOF); err != nil {
		return err
	}
	var sum [8]byte
	binary.LittleEndian.PutUint64(sum[:], w.out.Sum64())
	_, err := w.out.Write(sum[:])
	return err
}

func (w *Writer) selectDB(db uint32) error {
	if w.lastDataset != nil && *w.lastDataset == db {
		return nil
	}
	if err := writeByte(w.out, opSelectDB); err != nil {
		return err
	}
	if err := writeLength(w.out, db); err != nil {
		return err
	}
	w.lastDataset = &db
	return nil
}

func (w *Writer) writeExpire(expire time.Time) error {
	ms := expire.UnixMilli()
	if ms%1000 == 0 {
		if err := writeByte(w.out, opExpireTime); err != nil {
			return err
		}
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(ms/1000))
		_, err := w.out.Write(b[:])
		return err
	}
	if err := writeByte(w.out, opExpireTimeMS); err != nil {
		return err
	}
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(ms))
	_, err := w.out.Write(b[:])
	return err
}

func writeByte(w io.Writer, b byte) error {
	_, err := w.Write([]byte{b})
	return err
}

// writeLength emits length using the 6-bit/14-bit/32-bit-big-endian scheme;
// the writer never needs the special-encoding (0b11) form.
func writeLength(w io.Writer, length uint32) error {
	switch {
	case length <= 63:
		return writeByte(w, (len6Bit<<6)|byte(length))
	case length <= 16383:
		if err := writeByte(w, (len14Bit<<6)|byte((length>>8)&0x3F)); err != nil {
			return err
		}
		return writeByte(w, byte(length&0xFF))
	default:
		if err := writeByte(w, len32Bit<<6); err != nil {
			return err
		}
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], length)
		_, err := w.Write(b[:])
		return err
	}
}

func writeBlob(w io.Writer, blob []byte) error {
	if err := writeLength(w, uint32(len(blob))); err != nil {
		return err
	}
	_, err := w.Write(blob)
	return err
}

// writeFloat64 matches the reference encoding for sorted-set scores:
// 253/254/255 for NaN/+Inf/-Inf, else a length-prefixed ASCII decimal.
func writeFloat64(w io.Writer, value float64) error {
	if math.IsNaN(value) {
		return writeByte(w, 253)
	}
	if math.IsInf(value, 1) {
		return writeByte(w, 254)
	}
	if math.IsInf(value, -1) {
		return writeByte(w, 255)
	}
	s := strconv.FormatFloat(value, 'g', -1, 64)
	if err := writeByte(w, byte(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}
