// Package origin talks to the user-owned repositories that hold the
// authoritative copy of every blob: it resolves an owner DID to its PDS
// endpoint and fetches blobs from that endpoint.
package origin

import (
	"context"
	"io"
)

// Repository reads blobs from an origin node. Implementations are read-only.
type Repository interface {
	// GetBlob streams the blob identified by cid from the repository of
	// ownerDID hosted at endpoint. The caller closes the body.
	GetBlob(ctx context.Context, endpoint, ownerDID, cid string) (io.ReadCloser, error)
}

// IdentityResolver maps an owner DID to the base URL of its origin node.
// ("", nil) means the DID resolved but declares no origin endpoint.
type IdentityResolver interface {
	GetOriginEndpoint(ctx context.Context, ownerDID string) (string, error)
}
