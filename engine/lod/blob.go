package lod

import (
	"fmt"
	"sync"

	"github.com/Carmen-Shannon/automation/tools/worker"
	"github.com/Carmen-Shannon/oxy-splat/engine/visibility"
	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
)

// EncodeBlob packs raw attribute bytes into a Blob, optionally zstd-compressed, and stamps
// the checksum of the stored bytes.
//
// Parameters:
//   - format: the element layout of raw
//   - raw: the uncompressed bytes
//   - compress: true to store the bytes zstd-compressed
//
// Returns:
//   - Blob: the encoded blob
//   - error: an error if the encoder cannot be created
func EncodeBlob(format VectorFormat, raw []byte, compress bool) (Blob, error) {
	b := Blob{Format: format, Encoding: EncodingRaw, Data: raw}
	if compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return Blob{}, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		b.Data = enc.EncodeAll(raw, nil)
		b.Encoding = EncodingZstd
		if err := enc.Close(); err != nil {
			return Blob{}, err
		}
	}
	b.Checksum = xxhash.Sum64(b.Data)
	return b, nil
}

// decodeBlob verifies and decompresses one blob. dec is safe for concurrent DecodeAll calls.
func decodeBlob(dec *zstd.Decoder, b Blob) ([]byte, error) {
	if b.Checksum != 0 {
		if sum := xxhash.Sum64(b.Data); sum != b.Checksum {
			return nil, fmt.Errorf("checksum mismatch: stored %016x, computed %016x: %w", b.Checksum, sum, ErrMissingData)
		}
	}
	switch b.Encoding {
	case EncodingRaw, "":
		return b.Data, nil
	case EncodingZstd:
		out, err := dec.DecodeAll(b.Data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w: %w", ErrMissingData, err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown encoding %q: %w", b.Encoding, ErrMissingData)
}

// decodedLevel is a level's attribute bytes after decompression and validation.
type decodedLevel struct {
	count uint32
	data  [attributeCount][]byte
}

// decodeLevel decodes every blob of a level in parallel on the pool and validates sizes
// against the primitive count.
func decodeLevel(pool worker.DynamicWorkerPool, dec *zstd.Decoder, ld *LevelData) (*decodedLevel, error) {
	if ld == nil {
		return nil, fmt.Errorf("no level data: %w", ErrMissingData)
	}
	for _, a := range RequiredAttributes {
		if _, ok := ld.Blobs[a]; !ok {
			return nil, fmt.Errorf("%s blob absent: %w", a, ErrMissingData)
		}
	}

	out := &decodedLevel{count: ld.PrimitiveCount}
	var errs [attributeCount]error
	var wg sync.WaitGroup
	taskID := 0
	for a, blob := range ld.Blobs {
		if a < 0 || a >= attributeCount {
			continue
		}
		wg.Add(1)
		attr, b := a, blob
		id := taskID
		taskID++
		pool.SubmitTask(worker.Task{
			ID: id,
			Do: func() (any, error) {
				defer wg.Done()
				data, err := decodeBlob(dec, b)
				out.data[attr], errs[attr] = data, err
				return nil, err
			},
		})
	}
	wg.Wait()

	for a, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("%s blob: %w", Attribute(a), err)
		}
	}
	if err := out.validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *decodedLevel) validate() error {
	n := int(d.count)
	if n == 0 {
		return fmt.Errorf("level has no primitives: %w", ErrMissingData)
	}
	expect := func(a Attribute, stride int) error {
		if got := len(d.data[a]); got != n*stride {
			return fmt.Errorf("%s blob holds %d bytes, want %d for %d primitives: %w", a, got, n*stride, n, ErrMissingData)
		}
		return nil
	}
	if err := expect(AttributePositions, 12); err != nil {
		return err
	}
	if err := expect(AttributeOther, visibility.OtherStride*4); err != nil {
		return err
	}
	if err := expect(AttributeColor, 16); err != nil {
		return err
	}
	if len(d.data[AttributeCoefficients])%(n*4) != 0 {
		return fmt.Errorf("coefficients blob of %d bytes is not a whole number of f32 per primitive: %w",
			len(d.data[AttributeCoefficients]), ErrMissingData)
	}
	if len(d.data[AttributeChunks])%32 != 0 {
		return fmt.Errorf("chunks blob of %d bytes is not a whole number of records: %w", len(d.data[AttributeChunks]), ErrMissingData)
	}
	return nil
}
