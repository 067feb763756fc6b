package domain

import (
	"context"
	"io"
)

// PageRequest carries the pagination markers of one listing request.
// Both values are opaque strings lifted from the previous page's next URL.
type PageRequest struct {
	MaxBookmarkID string
	Offset        string
}

// IsFirst reports whether the request addresses the first page.
func (r PageRequest) IsFirst() bool {
	return r.MaxBookmarkID == "" && r.Offset == ""
}

// Page is one page of a bookmark listing.
type Page struct {
	Items []ItemDescriptor
	Next  *PageRequest // nil when the listing is exhausted
}

// BookmarkRepository provides access to the remote bookmark collection
type BookmarkRepository interface {
	// Authenticate exchanges an opaque credential for a session.
	// Fails with ErrAuth when the credential is rejected.
	Authenticate(ctx context.Context, credential string) (*Session, error)

	// BookmarkPage fetches one page of a listing.
	// Returns ErrRateLimited when the service asks the caller to back off.
	BookmarkPage(ctx context.Context, s *Session, scope Scope, req PageRequest) (*Page, error)

	// ItemDetail fetches a single item. Fails with ErrItemUnavailable when
	// the item is deleted or hidden.
	ItemDetail(ctx context.Context, s *Session, itemID int64) (*ItemDescriptor, error)
}

// ContentFetcher streams the bytes of a part
type ContentFetcher interface {
	// Download writes the content at url to w and returns the number of bytes
	// written. expected is the size announced by the server, -1 if unknown.
	Download(ctx context.Context, url string, w io.Writer) (written, expected int64, err error)
}

// Source is what a remote backend must implement
type Source interface {
	BookmarkRepository
	ContentFetcher
}

// CredentialProvider supplies the opaque bearer credential on demand
type CredentialProvider interface {
	Credential(ctx context.Context) (string, error)
}

// CredentialSaver persists a rotated credential
type CredentialSaver interface {
	Save(credential string) error
}
