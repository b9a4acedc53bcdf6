// Package cid verifies blob bytes against self-describing content
// identifiers and mints identifiers for new bytes.
//
// Every function here is pure and safe for concurrent use.
package cid

import (
	"fmt"

	gocid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-multicodec"
	"github.com/multiformats/go-multihash"

	"github.com/openpreprint/blobcache/pkg/errors"
)

// Codec is the multicodec of the content an identifier addresses.
type Codec = multicodec.Code

const (
	// CodecRaw addresses opaque binary blobs (PDFs, images, archives).
	CodecRaw Codec = multicodec.Raw
	// CodecDagCBOR addresses structured records.
	CodecDagCBOR Codec = multicodec.DagCbor
)

// HashFunction is the only digest accepted or produced.
const HashFunction = multihash.SHA2_256

const digestLength = 32

// VerificationResult describes one comparison of bytes against an expected CID.
type VerificationResult struct {
	IsValid       bool   `json:"is_valid"`
	ExpectedCID   string `json:"expected_cid"`
	ComputedCID   string `json:"computed_cid"`
	Codec         string `json:"codec"`
	HashAlgorithm string `json:"hash_algorithm"`
}

// Parse decodes s, rejecting identifiers that do not use a sha2-256 digest.
func Parse(s string) (gocid.Cid, error) {
	c, err := gocid.Decode(s)
	if err != nil {
		return gocid.Undef, errors.Wrap(err, errors.ErrCodeMalformedIdentifier,
			"content identifier does not decode").WithContext("cid", s)
	}

	prefix := c.Prefix()
	if prefix.MhType != HashFunction {
		return gocid.Undef, errors.Newf(errors.ErrCodeMalformedIdentifier,
			"unsupported hash function %s", multicodec.Code(prefix.MhType)).WithContext("cid", s)
	}
	if prefix.MhLength != digestLength {
		return gocid.Undef, errors.Newf(errors.ErrCodeMalformedIdentifier,
			"unexpected digest length %d", prefix.MhLength).WithContext("cid", s)
	}
	return c, nil
}

// Verify recomputes the digest of data and rebuilds an identifier with the
// version and codec declared by expected. The codec is never inferred from
// the data itself. A malformed expected identifier returns an error and no
// comparison takes place; a mismatch is reported through IsValid.
func Verify(expected string, data []byte) (VerificationResult, error) {
	want, err := Parse(expected)
	if err != nil {
		return VerificationResult{}, err
	}

	prefix := want.Prefix()
	got, err := prefix.Sum(data)
	if err != nil {
		return VerificationResult{}, errors.Wrap(err, errors.ErrCodeInternalError, "digest computation failed")
	}

	return VerificationResult{
		IsValid:       got.String() == want.String(),
		ExpectedCID:   want.String(),
		ComputedCID:   got.String(),
		Codec:         multicodec.Code(prefix.Codec).String(),
		HashAlgorithm: multicodec.Code(prefix.MhType).String(),
	}, nil
}

// IsValid reports whether data matches expected. Decode failures yield false.
func IsValid(expected string, data []byte) bool {
	result, err := Verify(expected, data)
	return err == nil && result.IsValid
}

// ComputeCID mints a CIDv1 over data with the given codec.
func ComputeCID(data []byte, codec Codec) (gocid.Cid, error) {
	if codec != CodecRaw && codec != CodecDagCBOR {
		return gocid.Undef, errors.Newf(errors.ErrCodeMalformedIdentifier,
			"unsupported codec %s", codec)
	}

	sum, err := multihash.Sum(data, HashFunction, -1)
	if err != nil {
		return gocid.Undef, fmt.Errorf("hash blob: %w", err)
	}
	return gocid.NewCidV1(uint64(codec), sum), nil
}

// Canonical returns the canonical string form of s, or s unchanged if it does
// not decode. Cache keys are always built from the canonical form so that the
// same content maps to one key whatever multibase a caller used.
func Canonical(s string) string {
	c, err := gocid.Decode(s)
	if err != nil {
		return s
	}
	return c.String()
}
