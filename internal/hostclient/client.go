// Package hostclient defines the contract Flasharr uses to talk to the
// file-hosting provider: resolving a shared URL into a direct,
// byte-range-capable download URL, fetching byte ranges, and
// logging in/refreshing a pooled account's session.
//
// The host's actual wire protocol is proprietary and out of scope;
// this package only defines the contract and a generic HTTP
// implementation that can be pointed at a concrete host once its
// field mapping is known (see httpclient.Adapter).
package hostclient

import (
	"context"
	"io"
	"time"
)

// ResolveResult is one entry of what Resolve returns for a shared host
// URL. A single-file URL resolves to one entry; a folder URL expands
// to one entry per file it contains.
type ResolveResult struct {
	DirectURL      string
	Filename       string
	TotalBytes     int64
	SupportsRange  bool
	ExpiresAt      time.Time
	SourceMetadata map[string]interface{}
}

// RangeResult is the response to a FetchRange call: a reader over the
// requested byte span, positioned at Offset.
type RangeResult struct {
	Body       io.ReadCloser
	Offset     int64
	Length     int64
}

// Session is the credential handed back by Login/Refresh.
type Session struct {
	Token     string
	ExpiresAt time.Time
}

// Client is the contract every Host Client implementation satisfies.
type Client interface {
	// Resolve turns a shared URL into one or more direct, fetchable
	// URLs plus metadata, using the given session token for
	// authentication. A folder URL expands into multiple results.
	Resolve(ctx context.Context, sharedURL, sessionToken string) ([]ResolveResult, error)

	// FetchRange requests the half-open byte range [offset, offset+length)
	// of a direct URL previously returned by Resolve.
	FetchRange(ctx context.Context, directURL, sessionToken string, offset, length int64) (*RangeResult, error)

	// Login authenticates an account from scratch, returning a new
	// session.
	Login(ctx context.Context, email string, secret []byte) (*Session, error)

	// Refresh extends or replaces an existing session before it
	// expires.
	Refresh(ctx context.Context, email string, currentToken string) (*Session, error)
}
