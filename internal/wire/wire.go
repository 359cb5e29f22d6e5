// Package wire flattens the item envelope into a single byte slice for tiers
// whose backends store opaque values (memory, session). The durable tier maps
// the envelope to columns instead and does not use this format.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/unkn0wn-root/tierkv/provider"
)

const (
	version byte = 1

	flagCompressed byte = 1 << 0
)

var (
	ErrCorrupt = errors.New("tierkv: corrupt envelope")
	magic4     = [...]byte{'T', 'K', 'V', 'E'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Encode lays out an item as:
//
//	magic(4) | ver(1) | flags(1) | ts(u64 be) | ttl(u64 be) |
//	chanLen(u16 be) | channel | vlen(u32 be) | payload
//
// Metadata.Size is not encoded; it is recomputed from the payload on decode.
func Encode(it *provider.Item) []byte {
	var buf bytes.Buffer
	buf.Grow(4 + 1 + 1 + 8 + 8 + 2 + len(it.Meta.Channel) + 4 + len(it.Data))

	buf.Write(magic4[:])
	buf.WriteByte(version)

	var flags byte
	if it.Meta.Compressed {
		flags |= flagCompressed
	}
	buf.WriteByte(flags)

	var u8 [8]byte
	var u4 [4]byte
	var u2 [2]byte

	binary.BigEndian.PutUint64(u8[:], uint64(it.Meta.Timestamp))
	buf.Write(u8[:])
	binary.BigEndian.PutUint64(u8[:], uint64(it.Meta.TTL))
	buf.Write(u8[:])

	if l := len(it.Meta.Channel); l > 0xFFFF {
		panic("tierkv: channel too long for envelope")
	}
	binary.BigEndian.PutUint16(u2[:], uint16(len(it.Meta.Channel)))
	buf.Write(u2[:])
	buf.WriteString(it.Meta.Channel)

	binary.BigEndian.PutUint32(u4[:], uint32(len(it.Data)))
	buf.Write(u4[:])
	buf.Write(it.Data)

	return buf.Bytes()
}

// Decode parses an envelope. The returned item's Data aliases b.
func Decode(b []byte) (*provider.Item, error) {
	const hdr = 4 + 1 + 1 + 8 + 8 + 2
	if len(b) < hdr || !hasMagic(b) || b[4] != version {
		return nil, ErrCorrupt
	}

	flags := b[5]
	off := 6

	ts := int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8
	ttl := int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8

	klen := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if klen > len(b)-off {
		return nil, ErrCorrupt
	}
	channel := string(b[off : off+klen])
	off += klen

	if off+4 > len(b) {
		return nil, ErrCorrupt
	}
	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen > len(b)-off { // overflow-safe bound check
		return nil, ErrCorrupt
	}
	payload := b[off : off+vlen]

	return &provider.Item{
		Data: payload,
		Meta: provider.Metadata{
			Timestamp:  ts,
			TTL:        ttl,
			Compressed: flags&flagCompressed != 0,
			Size:       int64(vlen),
			Channel:    channel,
		},
	}, nil
}
