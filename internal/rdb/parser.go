package rdb

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/kvnode/keydb/internal/store"
)

// Parser reads a dump file produced by Writer (or any compatible dump
// format implementation) into a flat list of Orders, in file order. It
// is read-once: Parse drives the whole stream to EOF and returns.
type Parser struct {
	in           *crcReader
	lastDataset  uint32
	lastExpire   *time.Time
	Orders       []Order
	Meta         map[string]string
	ChecksumSeen uint64
}

// NewParser wraps r with a dump-format Parser.
func NewParser(r io.Reader) *Parser {
	return &Parser{in: newCRCReader(r), Meta: make(map[string]string)}
}

// Parse reads the header and every record to EOF. The trailing checksum is
// always consumed (ChecksumSeen is set to it) but, per the format's
// contract, never required to match: callers that care can compare it
// against p.in.Sum64() themselves.
func (p *Parser) Parse() error {
	if err := p.verifyMagic(); err != nil {
		return err
	}
	if err := p.verifyVersion(); err != nil {
		return err
	}
	for {
		op, err := readByte(p.in)
		if err != nil {
			return err
		}
		switch op {
		case opSelectDB:
			db, err := p.readLength()
			if err != nil {
				return err
			}
			p.lastDataset = db
		case opExpireTimeMS:
			ms, err := readUint64LE(p.in)
			if err != nil {
				return err
			}
			t := time.UnixMilli(int64(ms))
			p.lastExpire = &t
		case opExpireTime:
			secs, err := readUint32LE(p.in)
			if err != nil {
				return err
			}
			t := time.Unix(int64(secs), 0)
			p.lastExpire = &t
		case opAux:
			key, err := p.readBlob()
			if err != nil {
				return err
			}
			val, err := p.readBlob()
			if err != nil {
				return err
			}
			p.Meta[string(key)] = string(val)
		case opResizeDB:
			dbSize, err := p.readLength()
			if err != nil {
				return err
			}
			expireSize, err := p.readLength()
			if err != nil {
				return err
			}
			p.Meta[fmt.Sprintf("%d-db-size", p.lastDataset)] = strconv.FormatUint(uint64(dbSize), 10)
			p.Meta[fmt.Sprintf("%d-expire-size", p.lastDataset)] = strconv.FormatUint(uint64(expireSize), 10)
		case opEOF:
			var sum [8]byte
			if _, err := io.ReadFull(p.in.r, sum[:]); err != nil && err != io.EOF {
				return err
			}
			p.ChecksumSeen = binary.LittleEndian.Uint64(sum[:])
			return nil
		default:
			key, err := p.readBlob()
			if err != nil {
				return err
			}
			if err := p.readTyped(string(key), ValueKind(op)); err != nil {
				return err
			}
			p.lastExpire = nil
		}
	}
}

func (p *Parser) verifyMagic() error {
	buf := make([]byte, len(magic))
	if _, err := io.ReadFull(p.in, buf); err != nil {
		return err
	}
	if string(buf) != magic {
		return ErrBadMagic
	}
	return nil
}

func (p *Parser) verifyVersion() error {
	buf := make([]byte, 4)
	if _, err := io.ReadFull(p.in, buf); err != nil {
		return err
	}
	v := uint32(0)
	for _, c := range buf {
		if c < '0' || c > '9' {
			return ErrUnsupportedVersion
		}
		v = v*10 + uint32(c-'0')
	}
	if v < minVersion || v > maxVersion {
		return ErrUnsupportedVersion
	}
	return nil
}

// readLengthWithEncoding returns the decoded length and whether the top
// two bits selected the special-encoding form (0b11), in which case the
// returned value is the encoding sub-type rather than a byte length.
func (p *Parser) readLengthWithEncoding() (uint32, bool, error) {
	b, err := readByte(p.in)
	if err != nil {
		return 0, false, err
	}
	switch (b & 0xC0) >> 6 {
	case lenEncVal:
		return uint32(b & 0x3F), true, nil
	case len6Bit:
		return uint32(b & 0x3F), false, nil
	case len32Bit:
		n, err := readUint32BE(p.in)
		return n, false, err
	case len14Bit:
		next, err := readByte(p.in)
		if err != nil {
			return 0, false, err
		}
		return (uint32(b&0x3F) << 8) | uint32(next), false, nil
	default:
		panic("unreachable")
	}
}

func (p *Parser) readLength() (uint32, error) {
	n, _, err := p.readLengthWithEncoding()
	return n, err
}

func (p *Parser) readBlob() ([]byte, error) {
	length, isEncoded, err := p.readLengthWithEncoding()
	if err != nil {
		return nil, err
	}
	if !isEncoded {
		return readExact(p.in, int(length))
	}
	switch length {
	case encInt8:
		b, err := readByte(p.in)
		if err != nil {
			return nil, err
		}
		return []byte(strconv.FormatInt(int64(int8(b)), 10)), nil
	case encInt16:
		raw, err := readExact(p.in, 2)
		if err != nil {
			return nil, err
		}
		n := int16(binary.LittleEndian.Uint16(raw))
		return []byte(strconv.FormatInt(int64(n), 10)), nil
	case encInt32:
		raw, err := readExact(p.in, 4)
		if err != nil {
			return nil, err
		}
		n := int32(binary.LittleEndian.Uint32(raw))
		return []byte(strconv.FormatInt(int64(n), 10)), nil
	case encLZF:
		compressedLen, err := p.readLength()
		if err != nil {
			return nil, err
		}
		realLen, err := p.readLength()
		if err != nil {
			return nil, err
		}
		data, err := readExact(p.in, int(compressedLen))
		if err != nil {
			return nil, err
		}
		return lzfDecompress(data, int(realLen))
	default:
		return nil, fmt.Errorf("rdb: invalid string encoding %d", length)
	}
}

func (p *Parser) readTyped(key string, kind ValueKind) error {
	switch kind {
	case KindString:
		val, err := p.readBlob()
		if err != nil {
			return err
		}
		p.Orders = append(p.Orders, Order{Dataset: p.lastDataset, Kind: KindString, Key: key, String: val, Expire: p.lastExpire})
		return nil
	case KindList:
		n, err := p.readLength()
		if err != nil {
			return err
		}
		items := make([][]byte, n)
		for i := range items {
			items[i], err = p.readBlob()
			if err != nil {
				return err
			}
		}
		p.Orders = append(p.Orders, Order{Dataset: p.lastDataset, Kind: KindList, Key: key, List: store.NewList(items), Expire: p.lastExpire})
		return nil
	case KindSet:
		n, err := p.readLength()
		if err != nil {
			return err
		}
		items := make([][]byte, n)
		for i := range items {
			items[i], err = p.readBlob()
			if err != nil {
				return err
			}
		}
		p.Orders = append(p.Orders, Order{Dataset: p.lastDataset, Kind: KindSet, Key: key, Set: store.NewSet(items), Expire: p.lastExpire})
		return nil
	case KindSortedSet:
		n, err := p.readLength()
		if err != nil {
			return err
		}
		entries := make([]store.SortedSetEntry, n)
		for i := range entries {
			member, err := p.readBlob()
			if err != nil {
				return err
			}
			score, err := p.readScore()
			if err != nil {
				return err
			}
			entries[i] = store.SortedSetEntry{Member: member, Score: score}
		}
		p.Orders = append(p.Orders, Order{Dataset: p.lastDataset, Kind: KindSortedSet, Key: key, SortedSet: store.NewSortedSet(entries), Expire: p.lastExpire})
		return nil
	case KindHash:
		n, err := p.readLength()
		if err != nil {
			return err
		}
		pairs := make([]store.HashFieldValue, n)
		for i := range pairs {
			field, err := p.readBlob()
			if err != nil {
				return err
			}
			val, err := p.readBlob()
			if err != nil {
				return err
			}
			pairs[i] = store.HashFieldValue{Field: field, Value: val}
		}
		p.Orders = append(p.Orders, Order{Dataset: p.lastDataset, Kind: KindHash, Key: key, Hash: store.NewHash(pairs), Expire: p.lastExpire})
		return nil
	case kindHashZipmap, kindListZiplist, kindSetIntset, kindZSetZiplist, kindHashZiplist, kindListQuicklist:
		return ErrCompactEncoding
	default:
		return fmt.Errorf("rdb: invalid value kind %d", kind)
	}
}

func (p *Parser) readScore() (float64, error) {
	lenByte, err := readByte(p.in)
	if err != nil {
		return 0, err
	}
	switch lenByte {
	case 253:
		return math.NaN(), nil
	case 254:
		return math.Inf(1), nil
	case 255:
		return math.Inf(-1), nil
	default:
		raw, err := readExact(p.in, int(lenByte))
		if err != nil {
			return 0, err
		}
		return strconv.ParseFloat(string(raw), 64)
	}
}

func readByte(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func readExact(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readUint32BE(r io.Reader) (uint32, error) {
	b, err := readExact(r, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func readUint32LE(r io.Reader) (uint32, error) {
	b, err := readExact(r, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func readUint64LE(r io.Reader) (uint64, error) {
	b, err := readExact(r, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}
