package cid

import (
	stderr "errors"
	"fmt"
	"sync"
	"testing"

	gocid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpreprint/blobcache/pkg/errors"
)

func samples() [][]byte {
	big := make([]byte, 64*1024)
	for i := range big {
		big[i] = byte(i * 31)
	}
	return [][]byte{
		{},
		{0x00},
		[]byte("%PDF-1.7 preprint"),
		big,
	}
}

func TestVerify_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, codec := range []Codec{CodecRaw, CodecDagCBOR} {
		for i, data := range samples() {
			t.Run(fmt.Sprintf("%s/%d", codec, i), func(t *testing.T) {
				c, err := ComputeCID(data, codec)
				require.NoError(t, err)

				result, err := Verify(c.String(), data)
				require.NoError(t, err)
				assert.True(t, result.IsValid)
				assert.Equal(t, c.String(), result.ExpectedCID)
				assert.Equal(t, result.ExpectedCID, result.ComputedCID)
				assert.Equal(t, codec.String(), result.Codec)
				assert.Equal(t, "sha2-256", result.HashAlgorithm)
			})
		}
	}
}

func TestVerify_DetectsEverySingleByteMutation(t *testing.T) {
	t.Parallel()

	data := []byte("supplementary-data.csv contents")
	c, err := ComputeCID(data, CodecRaw)
	require.NoError(t, err)

	for i := range data {
		tampered := append([]byte(nil), data...)
		tampered[i] ^= 0x01

		result, err := Verify(c.String(), tampered)
		require.NoError(t, err)
		assert.False(t, result.IsValid, "mutation at byte %d not detected", i)
		assert.NotEqual(t, result.ExpectedCID, result.ComputedCID)
	}

	assert.False(t, IsValid(c.String(), append(data, 'x')), "appended byte not detected")
	assert.False(t, IsValid(c.String(), data[:len(data)-1]), "truncation not detected")
}

func TestVerify_KeepsDeclaredCodec(t *testing.T) {
	t.Parallel()

	data := []byte(`{"title":"a preprint"}`)
	asRecord, err := ComputeCID(data, CodecDagCBOR)
	require.NoError(t, err)
	asRaw, err := ComputeCID(data, CodecRaw)
	require.NoError(t, err)

	result, err := Verify(asRecord.String(), data)
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.Equal(t, "dag-cbor", result.Codec)
	assert.NotEqual(t, asRaw.String(), result.ComputedCID)
}

func TestVerify_AcceptsAnyMultibase(t *testing.T) {
	t.Parallel()

	data := []byte("figure-1.png")
	c, err := ComputeCID(data, CodecRaw)
	require.NoError(t, err)

	b58, err := c.StringOfBase(multibase.Base58BTC)
	require.NoError(t, err)

	result, err := Verify(b58, data)
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.Equal(t, c.String(), result.ExpectedCID)
	assert.Equal(t, c.String(), Canonical(b58))
}

func TestVerify_CIDv0(t *testing.T) {
	t.Parallel()

	data := []byte("legacy object")
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	require.NoError(t, err)
	v0 := gocid.NewCidV0(sum)

	result, err := Verify(v0.String(), data)
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.Equal(t, v0.String(), result.ComputedCID)
	assert.Equal(t, "dag-pb", result.Codec)
}

func TestVerify_Malformed(t *testing.T) {
	t.Parallel()

	sha1Sum, err := multihash.Sum([]byte("x"), multihash.SHA1, -1)
	require.NoError(t, err)

	tests := []struct {
		name     string
		expected string
	}{
		{"empty", ""},
		{"garbage", "not-a-cid"},
		{"truncated", "bafkrei"},
		{"wrong hash function", gocid.NewCidV1(gocid.Raw, sha1Sum).String()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Verify(tt.expected, []byte("x"))
			require.Error(t, err)
			assert.True(t, stderr.Is(err, errors.ErrMalformedIdentifier))
			assert.False(t, IsValid(tt.expected, []byte("x")))
		})
	}
}

func TestComputeCID_RejectsUnknownCodec(t *testing.T) {
	t.Parallel()

	_, err := ComputeCID([]byte("x"), Codec(0x70))
	assert.True(t, stderr.Is(err, errors.ErrMalformedIdentifier))
}

func TestComputeCID_IsVersion1(t *testing.T) {
	t.Parallel()

	c, err := ComputeCID([]byte("x"), CodecRaw)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.Version())
	assert.Equal(t, uint64(gocid.Raw), c.Type())
}

func TestCanonical_LeavesGarbageAlone(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "nope", Canonical("nope"))
}

func TestVerify_Concurrent(t *testing.T) {
	t.Parallel()

	data := []byte("shared bytes")
	c, err := ComputeCID(data, CodecRaw)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, IsValid(c.String(), data))
		}()
	}
	wg.Wait()
}
