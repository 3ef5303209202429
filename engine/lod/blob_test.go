package lod

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeBlob(t *testing.T) {
	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()
	raw := bytes.Repeat([]byte{1, 2, 3, 4, 5, 6, 7, 8}, 512)

	plain, err := EncodeBlob(FormatFloat32x4, raw, false)
	require.NoError(t, err)
	assert.Equal(t, EncodingRaw, plain.Encoding)
	assert.NotZero(t, plain.Checksum)

	packed, err := EncodeBlob(FormatFloat32x4, raw, true)
	require.NoError(t, err)
	assert.Equal(t, EncodingZstd, packed.Encoding)
	assert.Less(t, len(packed.Data), len(raw))

	for _, b := range []Blob{plain, packed} {
		out, err := decodeBlob(dec, b)
		require.NoError(t, err)
		assert.Equal(t, raw, out)
	}
}

func TestDecodeBlobRejectsBadInput(t *testing.T) {
	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()

	b, err := EncodeBlob(FormatFloat32, []byte{1, 2, 3, 4}, false)
	require.NoError(t, err)
	b.Checksum++
	_, err = decodeBlob(dec, b)
	assert.ErrorIs(t, err, ErrMissingData)

	b.Checksum = 0
	_, err = decodeBlob(dec, b)
	assert.NoError(t, err, "a zero checksum skips verification")

	_, err = decodeBlob(dec, Blob{Encoding: EncodingZstd, Data: []byte("not zstd")})
	assert.ErrorIs(t, err, ErrMissingData)

	_, err = decodeBlob(dec, Blob{Encoding: "lz4", Data: []byte{0}})
	assert.ErrorIs(t, err, ErrMissingData)
}

func TestAttributeNames(t *testing.T) {
	for _, a := range []Attribute{AttributePositions, AttributeOther, AttributeColor, AttributeCoefficients, AttributeChunks} {
		parsed, err := ParseAttribute(a.String())
		require.NoError(t, err)
		assert.Equal(t, a, parsed)
	}
	_, err := ParseAttribute("normals")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
