package shard

// The manifest records how a partition directory was produced so that later
// stages (and parted-check) can validate it without re-reading the source.
//
// File Structure:
//
//	+--------+----------------------------+-----------+
//	| Magic  | Body (protobuf wire format)| Checksum  |
//	+--------+----------------------------+-----------+
//	 4 bytes   variable                     8 bytes
//
// Magic: "UCM1".
//
// Body fields (field number, wire type):
//
//	1  source         bytes
//	2  source_size    varint
//	3  target_bytes   varint
//	4  shard_count    varint
//	5  hasher         bytes
//	6  skew           varint (bool)
//	7  skew_factor    varint
//	8  seed           varint
//	9  skipped_lines  varint
//	10 shard          bytes, repeated: {1 index, 2 bytes, 3 lines, 4 split}
//	11 hot_key        bytes, repeated: {1 key, 2 estimate, 3 shard}
//
// Unknown fields are skipped on decode so newer writers stay readable.
//
// Checksum: little-endian CRC64 (ISO polynomial) over Magic + Body.

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc64"
	"os"
	"path/filepath"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/JaySon-Huang/url-counter/internal/fault"
)

const (
	// ManifestName is the manifest file inside a partition directory.
	ManifestName = "MANIFEST"

	manifestMagic = "UCM1"
	checksumSize  = 8
)

var (
	ErrManifestMagic    = errors.New("shard: invalid manifest magic")
	ErrManifestChecksum = errors.New("shard: manifest checksum mismatch")
	ErrManifestCorrupt  = errors.New("shard: corrupt manifest")
)

var crcTable = crc64.MakeTable(crc64.ISO)

const (
	fieldSource       protowire.Number = 1
	fieldSourceSize   protowire.Number = 2
	fieldTargetBytes  protowire.Number = 3
	fieldShardCount   protowire.Number = 4
	fieldHasher       protowire.Number = 5
	fieldSkew         protowire.Number = 6
	fieldSkewFactor   protowire.Number = 7
	fieldSeed         protowire.Number = 8
	fieldSkippedLines protowire.Number = 9
	fieldShard        protowire.Number = 10
	fieldHotKey       protowire.Number = 11
)

// Manifest describes one partition run.
type Manifest struct {
	Source       string
	SourceSize   int64
	TargetBytes  int64
	Hasher       string
	Skew         bool
	SkewFactor   int
	Seed         uint64
	SkippedLines int64
	Shards       []Info
	HotKeys      []HotKey
}

// Info is the size of one shard after partitioning.
type Info struct {
	Index int
	Bytes int64
	Lines int64

	// Split is the number of sub-shards the shard was re-split into, 0 when
	// it is a plain file.
	Split int
}

// Name returns the entry of the shard inside the partition directory: its
// file, or its sub-directory when it was re-split.
func (i Info) Name() string {
	if i.Split > 0 {
		return SplitDirFor(FileName(i.Index))
	}
	return FileName(i.Index)
}

// HotKey is a heavy hitter estimated during partitioning and the shard it
// landed in (-1 when skew scattered it).
type HotKey struct {
	Key      string
	Estimate uint64
	Shard    int
}

// MarshalBinary encodes the manifest including magic and checksum.
func (m *Manifest) MarshalBinary() ([]byte, error) {
	b := []byte(manifestMagic)

	b = protowire.AppendTag(b, fieldSource, protowire.BytesType)
	b = protowire.AppendString(b, m.Source)
	b = appendVarintField(b, fieldSourceSize, uint64(m.SourceSize))
	b = appendVarintField(b, fieldTargetBytes, uint64(m.TargetBytes))
	b = appendVarintField(b, fieldShardCount, uint64(len(m.Shards)))
	b = protowire.AppendTag(b, fieldHasher, protowire.BytesType)
	b = protowire.AppendString(b, m.Hasher)
	b = appendVarintField(b, fieldSkew, protowire.EncodeBool(m.Skew))
	b = appendVarintField(b, fieldSkewFactor, uint64(m.SkewFactor))
	b = appendVarintField(b, fieldSeed, m.Seed)
	b = appendVarintField(b, fieldSkippedLines, uint64(m.SkippedLines))

	for _, s := range m.Shards {
		var sub []byte
		sub = appendVarintField(sub, 1, uint64(s.Index))
		sub = appendVarintField(sub, 2, uint64(s.Bytes))
		sub = appendVarintField(sub, 3, uint64(s.Lines))
		if s.Split > 0 {
			sub = appendVarintField(sub, 4, uint64(s.Split))
		}
		b = protowire.AppendTag(b, fieldShard, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}

	for _, h := range m.HotKeys {
		var sub []byte
		sub = protowire.AppendTag(sub, 1, protowire.BytesType)
		sub = protowire.AppendString(sub, h.Key)
		sub = appendVarintField(sub, 2, h.Estimate)
		sub = appendVarintField(sub, 3, protowire.EncodeZigZag(int64(h.Shard)))
		b = protowire.AppendTag(b, fieldHotKey, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}

	return binary.LittleEndian.AppendUint64(b, crc64.Checksum(b, crcTable)), nil
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// UnmarshalBinary decodes data produced by MarshalBinary, verifying the magic
// and the checksum first.
func (m *Manifest) UnmarshalBinary(data []byte) error {
	if len(data) < len(manifestMagic)+checksumSize {
		return ErrManifestCorrupt
	}
	if string(data[:len(manifestMagic)]) != manifestMagic {
		return ErrManifestMagic
	}

	end := len(data) - checksumSize
	stored := binary.LittleEndian.Uint64(data[end:])
	if crc64.Checksum(data[:end], crcTable) != stored {
		return ErrManifestChecksum
	}

	*m = Manifest{}
	shardCount := -1

	err := consumeFields(data[len(manifestMagic):end], func(num protowire.Number, v uint64, raw []byte) error {
		switch num {
		case fieldSource:
			m.Source = string(raw)
		case fieldSourceSize:
			m.SourceSize = int64(v)
		case fieldTargetBytes:
			m.TargetBytes = int64(v)
		case fieldShardCount:
			shardCount = int(v)
		case fieldHasher:
			m.Hasher = string(raw)
		case fieldSkew:
			m.Skew = protowire.DecodeBool(v)
		case fieldSkewFactor:
			m.SkewFactor = int(v)
		case fieldSeed:
			m.Seed = v
		case fieldSkippedLines:
			m.SkippedLines = int64(v)
		case fieldShard:
			var s Info
			err := consumeFields(raw, func(num protowire.Number, v uint64, _ []byte) error {
				switch num {
				case 1:
					s.Index = int(v)
				case 2:
					s.Bytes = int64(v)
				case 3:
					s.Lines = int64(v)
				case 4:
					s.Split = int(v)
				}
				return nil
			})
			if err != nil {
				return err
			}
			m.Shards = append(m.Shards, s)
		case fieldHotKey:
			var h HotKey
			err := consumeFields(raw, func(num protowire.Number, v uint64, raw []byte) error {
				switch num {
				case 1:
					h.Key = string(raw)
				case 2:
					h.Estimate = v
				case 3:
					h.Shard = int(protowire.DecodeZigZag(v))
				}
				return nil
			})
			if err != nil {
				return err
			}
			m.HotKeys = append(m.HotKeys, h)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if shardCount != len(m.Shards) {
		return fmt.Errorf("%w: shard_count %d but %d shard records", ErrManifestCorrupt, shardCount, len(m.Shards))
	}
	return nil
}

// consumeFields walks a protobuf wire-format message, calling fn with the
// varint value or the raw bytes of each field. Other wire types are skipped.
func consumeFields(b []byte, fn func(num protowire.Number, v uint64, raw []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrManifestCorrupt, protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrManifestCorrupt, num, protowire.ParseError(n))
			}
			b = b[n:]
			if err := fn(num, v, nil); err != nil {
				return err
			}
		case protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrManifestCorrupt, num, protowire.ParseError(n))
			}
			b = b[n:]
			if err := fn(num, 0, raw); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrManifestCorrupt, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

// WriteManifest stores m in dir using a temporary file and an atomic rename,
// so a crash never leaves a half-written manifest behind.
func WriteManifest(dir string, m *Manifest) error {
	data, err := m.MarshalBinary()
	if err != nil {
		return err
	}

	path := filepath.Join(dir, ManifestName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fault.IO("write manifest", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fault.IO("rename manifest", path, err)
	}
	return nil
}

// ReadManifest loads the manifest of dir. A missing manifest unwraps to
// fs.ErrNotExist; a corrupt one to ErrManifestChecksum, ErrManifestMagic or
// ErrManifestCorrupt. Both are reported as fault.ErrIO.
func ReadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.IO("read manifest", path, err)
	}

	var m Manifest
	if err := m.UnmarshalBinary(data); err != nil {
		return nil, fault.IO("decode manifest", path, err)
	}
	return &m, nil
}
