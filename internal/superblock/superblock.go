// Package superblock implements C2: the on-disk metadata record's codec and
// the async-read / atomic-multi-slot-write protocol described in spec.md §4.2
// and §6.
package superblock

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"io"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/openraid/raidbdev/internal/hostapi"
	"github.com/openraid/raidbdev/internal/types"
)

const (
	Magic uint32 = 0x52414944 // "RAID"
	Version uint32 = 1

	// MaxLength bounds the on-disk record (spec.md §3); new fields must be
	// added within this budget to preserve the "length must not exceed a
	// defined maximum" rule.
	MaxLength = 4096

	// WellKnownOffset is the fixed byte offset superblocks are read from
	// and written to on every base device (spec.md §6).
	WellKnownOffset = 0

	maxNameLen = 64
	maxSlots   = 256
)

// SlotEntry is one per-slot record inside the superblock.
type SlotEntry struct {
	UUID       uuid.UUID
	SlotIndex  int
	State      types.SlotState
	DataOffset uint64
	DataSize   uint64
}

// Record is the fully decoded on-disk superblock.
type Record struct {
	Seq             uint64
	ArrayUUID       uuid.UUID
	ArrayName       string
	Level           types.Level
	StripSizeBlocks uint64
	BlockSize       uint32
	TotalBlocks     uint64
	Slots           []SlotEntry
}

// Outcome is the three-way result of a superblock read (spec.md §4.2).
type Outcome int

const (
	OutcomeValid Outcome = iota
	OutcomeAbsent
	OutcomeError
)

// ReadCallback receives the decoded record only when outcome == OutcomeValid.
type ReadCallback func(rec *Record, outcome Outcome, err error)

// ReadAsync issues a bounded read at WellKnownOffset, validates magic and
// CRC, and invokes cb with exactly one outcome. It is named "Async" to match
// the suspension-point design (spec.md §5); in this single-process core the
// continuation runs inline once the read completes.
func ReadAsync(ctx context.Context, dev hostapi.BlockDevice, cb ReadCallback) {
	buf := make([]byte, MaxLength)
	if err := dev.ReadAt(ctx, buf, WellKnownOffset); err != nil {
		cb(nil, OutcomeError, err)
		return
	}

	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != Magic {
		cb(nil, OutcomeAbsent, nil)
		return
	}

	rec, err := decode(buf)
	if err != nil {
		cb(nil, OutcomeAbsent, nil)
		return
	}
	cb(rec, OutcomeValid, nil)
}

// WriteTarget is one base device a superblock write must reach.
type WriteTarget struct {
	Name string
	Dev  hostapi.BlockDevice
}

// WriteAll performs the atomic record update described in spec.md §4.2: it
// assigns a sequence number strictly greater than prevSeq, recomputes the
// CRC, and writes synchronously to every target. The write only succeeds if
// every target's write succeeds; on partial failure the caller is
// responsible for treating Configuration as failed (the higher-sequence
// copy, if any landed, still wins at next assembly).
func WriteAll(ctx context.Context, targets []WriteTarget, rec *Record, prevSeq uint64) (uint64, error) {
	if len(rec.ArrayName) > maxNameLen {
		return 0, &types.ValidationError{Msg: "array name exceeds superblock name field width"}
	}
	if len(rec.Slots) > maxSlots {
		return 0, &types.ValidationError{Msg: "slot count exceeds superblock capacity"}
	}

	rec.Seq = prevSeq + 1
	buf, err := encode(rec)
	if err != nil {
		return 0, errors.Wrap(err, "encode superblock")
	}
	if len(buf) > MaxLength {
		return 0, &types.ValidationError{Msg: "encoded superblock exceeds MaxLength"}
	}

	for _, t := range targets {
		dev := t.Dev
		writeErr := retry.Do(
			func() error { return dev.WriteAt(ctx, buf, WellKnownOffset) },
			retry.Attempts(3),
			retry.Delay(10*time.Millisecond),
			retry.Context(ctx),
		)
		if writeErr != nil {
			return 0, errors.Wrapf(writeErr, "write superblock to slot %s", t.Name)
		}
	}
	return rec.Seq, nil
}

func encode(rec *Record) ([]byte, error) {
	var body bytes.Buffer

	var nameBuf [maxNameLen]byte
	copy(nameBuf[:], rec.ArrayName)

	levelBuf := [16]byte{}
	copy(levelBuf[:], rec.Level)

	if err := binary.Write(&body, binary.LittleEndian, uint64(0)); err != nil { // seq placeholder, filled below
		return nil, err
	}
	uuidBytes, _ := rec.ArrayUUID.MarshalBinary()
	body.Write(uuidBytes)
	body.Write(nameBuf[:])
	body.Write(levelBuf[:])
	_ = binary.Write(&body, binary.LittleEndian, rec.StripSizeBlocks)
	_ = binary.Write(&body, binary.LittleEndian, rec.BlockSize)
	_ = binary.Write(&body, binary.LittleEndian, rec.TotalBlocks)
	_ = binary.Write(&body, binary.LittleEndian, uint32(len(rec.Slots)))
	for _, s := range rec.Slots {
		b, _ := s.UUID.MarshalBinary()
		body.Write(b)
		_ = binary.Write(&body, binary.LittleEndian, uint32(s.SlotIndex))
		stateByte := byte(0)
		if s.State == types.SlotFailed {
			stateByte = 1
		}
		body.WriteByte(stateByte)
		_ = binary.Write(&body, binary.LittleEndian, s.DataOffset)
		_ = binary.Write(&body, binary.LittleEndian, s.DataSize)
	}

	payload := body.Bytes()
	// Overwrite the seq placeholder now that we know the final value.
	binary.LittleEndian.PutUint64(payload[0:8], rec.Seq)

	header := make([]byte, 16) // magic, version, length, crc(zeroed)
	binary.LittleEndian.PutUint32(header[0:4], Magic)
	binary.LittleEndian.PutUint32(header[4:8], Version)
	total := len(header) + len(payload)
	binary.LittleEndian.PutUint32(header[8:12], uint32(total))
	binary.LittleEndian.PutUint32(header[12:16], 0) // crc placeholder

	full := append(header, payload...)
	crc := crc32.ChecksumIEEE(full) // crc field is zeroed at this point
	binary.LittleEndian.PutUint32(full[12:16], crc)

	if len(full) < MaxLength {
		full = append(full, make([]byte, MaxLength-len(full))...)
	}
	return full, nil
}

func decode(buf []byte) (*Record, error) {
	if len(buf) < 16 {
		return nil, errors.New("superblock buffer too short")
	}
	version := binary.LittleEndian.Uint32(buf[4:8])
	length := binary.LittleEndian.Uint32(buf[8:12])
	crcOnDisk := binary.LittleEndian.Uint32(buf[12:16])
	if version != Version {
		return nil, errors.Errorf("unsupported superblock version %d", version)
	}
	if length > MaxLength || int(length) > len(buf) {
		return nil, errors.Errorf("superblock length %d out of bounds", length)
	}

	full := make([]byte, length)
	copy(full, buf[:length])
	binary.LittleEndian.PutUint32(full[12:16], 0)
	if crc32.ChecksumIEEE(full) != crcOnDisk {
		return nil, errors.New("superblock CRC mismatch")
	}

	r := bytes.NewReader(buf[16:length])
	var seq uint64
	if err := binary.Read(r, binary.LittleEndian, &seq); err != nil {
		return nil, err
	}
	var idBytes [16]byte
	if _, err := io.ReadFull(r, idBytes[:]); err != nil {
		return nil, err
	}
	arrUUID, err := uuid.FromBytes(idBytes[:])
	if err != nil {
		return nil, err
	}
	var nameBuf [maxNameLen]byte
	if _, err := io.ReadFull(r, nameBuf[:]); err != nil {
		return nil, err
	}
	var levelBuf [16]byte
	if _, err := io.ReadFull(r, levelBuf[:]); err != nil {
		return nil, err
	}
	var stripBlocks uint64
	var blockSize uint32
	var totalBlocks uint64
	var numSlots uint32
	if err := binary.Read(r, binary.LittleEndian, &stripBlocks); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &blockSize); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &totalBlocks); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &numSlots); err != nil {
		return nil, err
	}
	if numSlots > maxSlots {
		return nil, errors.Errorf("superblock slot count %d exceeds maximum", numSlots)
	}

	slots := make([]SlotEntry, 0, numSlots)
	for i := uint32(0); i < numSlots; i++ {
		var sid [16]byte
		if _, err := io.ReadFull(r, sid[:]); err != nil {
			return nil, err
		}
		sUUID, err := uuid.FromBytes(sid[:])
		if err != nil {
			return nil, err
		}
		var slotIdx uint32
		if err := binary.Read(r, binary.LittleEndian, &slotIdx); err != nil {
			return nil, err
		}
		stateByte, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		state := types.SlotConfigured
		if stateByte == 1 {
			state = types.SlotFailed
		}
		var off, size uint64
		if err := binary.Read(r, binary.LittleEndian, &off); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			return nil, err
		}
		slots = append(slots, SlotEntry{UUID: sUUID, SlotIndex: int(slotIdx), State: state, DataOffset: off, DataSize: size})
	}

	return &Record{
		Seq:             seq,
		ArrayUUID:       arrUUID,
		ArrayName:       trimZero(nameBuf[:]),
		Level:           types.Level(trimZero(levelBuf[:])),
		StripSizeBlocks: stripBlocks,
		BlockSize:       blockSize,
		TotalBlocks:     totalBlocks,
		Slots:           slots,
	}, nil
}

func trimZero(b []byte) string {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return string(b)
	}
	return string(b[:i])
}
