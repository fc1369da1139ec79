// Package bitmap implements the delta-bitmap dirty-region tracker that
// resolves the Open Question in spec.md §9: one bit per strip. Encode/Decode
// define a raw blob format with its own CRC, kept outside the superblock's
// checksum so the fixed-layout superblock length bound is untouched; nothing
// in this module writes that blob to or reads it from a device, so the
// bitmap lives in memory only.
package bitmap

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/bits-and-blooms/bitset"
	"github.com/pkg/errors"
)

// Bitmap tracks, one bit per strip, whether that strip's data is known to be
// in sync across every operational slot. A set bit means "dirty: this
// strip was written while the array was degraded and needs resync once the
// missing member returns."
type Bitmap struct {
	bits       *bitset.BitSet
	numStrips  uint64
}

// New allocates a clear bitmap sized for numStrips strips.
func New(numStrips uint64) *Bitmap {
	return &Bitmap{bits: bitset.New(uint(numStrips)), numStrips: numStrips}
}

func (b *Bitmap) NumStrips() uint64 { return b.numStrips }

// MarkDirty sets the bit for the strip containing the given block range.
// Called from the write path while the array is degraded. A zero
// stripSizeBlocks means the personality has no strip concept (e.g.
// mirroring, whose strip size is required to be zero per spec.md §4.1) —
// the whole array is then tracked as a single region, bit 0.
func (b *Bitmap) MarkDirty(offsetBlocks, numBlocks, stripSizeBlocks uint64) {
	if stripSizeBlocks == 0 {
		b.bits.Set(0)
		return
	}
	first := offsetBlocks / stripSizeBlocks
	last := (offsetBlocks + numBlocks - 1) / stripSizeBlocks
	for s := first; s <= last; s++ {
		b.bits.Set(uint(s))
	}
}

// ClearStrip is called by the background resync process (internal/process)
// once a strip has been rebuilt onto the rejoined member.
func (b *Bitmap) ClearStrip(strip uint64) {
	b.bits.Clear(uint(strip))
}

// NextDirty returns the lowest-numbered dirty strip at or after `from`, and
// whether one was found. The resync process walks the bitmap with this.
func (b *Bitmap) NextDirty(from uint64) (uint64, bool) {
	idx, ok := b.bits.NextSet(uint(from))
	return uint64(idx), ok
}

func (b *Bitmap) AnyDirty() bool {
	return b.bits.Any()
}

// Encode serialises the bitmap to a byte blob with a trailing CRC, suitable
// for writing immediately after a slot's superblock region.
func (b *Bitmap) Encode() []byte {
	raw, err := b.bits.MarshalBinary()
	if err != nil {
		// bitset's own MarshalBinary never errors in practice for an
		// in-memory set; a panic here would indicate a library bug.
		panic(errors.Wrap(err, "marshal delta bitmap"))
	}
	out := make([]byte, len(raw)+4)
	copy(out, raw)
	crc := crc32.ChecksumIEEE(raw)
	binary.LittleEndian.PutUint32(out[len(raw):], crc)
	return out
}

// Decode parses a blob previously produced by Encode.
func Decode(buf []byte) (*Bitmap, error) {
	if len(buf) < 4 {
		return nil, errors.New("delta bitmap blob too short")
	}
	raw := buf[:len(buf)-4]
	wantCRC := binary.LittleEndian.Uint32(buf[len(buf)-4:])
	if crc32.ChecksumIEEE(raw) != wantCRC {
		return nil, errors.New("delta bitmap CRC mismatch")
	}
	bs := &bitset.BitSet{}
	if err := bs.UnmarshalBinary(raw); err != nil {
		return nil, errors.Wrap(err, "unmarshal delta bitmap")
	}
	return &Bitmap{bits: bs, numStrips: uint64(bs.Len())}, nil
}
