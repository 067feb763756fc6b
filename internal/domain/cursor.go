package domain

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// ListingCursor is the position inside one listing.
type ListingCursor struct {
	Scope Scope       `json:"scope"`
	Req   PageRequest `json:"req"`
	Skip  int         `json:"skip,omitempty"`  // items of Req already consumed
	Pages int         `json:"pages,omitempty"` // pages fully consumed
	Done  bool        `json:"done,omitempty"`
}

// Cursor is the restart position of a walk. Consumers treat it as opaque and
// exchange it through Encode and ParseCursor.
type Cursor struct {
	Listings []ListingCursor `json:"listings"`
	Turn     int             `json:"turn,omitempty"`
}

// NewCursor returns a cursor positioned at the first page of every listing of scope.
func NewCursor(scope Scope) (Cursor, error) {
	listings, err := scope.Listings()
	if err != nil {
		return Cursor{}, err
	}
	c := Cursor{Listings: make([]ListingCursor, len(listings))}
	for i, s := range listings {
		c.Listings[i] = ListingCursor{Scope: s}
	}
	return c, nil
}

// Exhausted reports whether every listing has been read to the end.
func (c Cursor) Exhausted() bool {
	for _, l := range c.Listings {
		if !l.Done {
			return false
		}
	}
	return true
}

// Encode returns the opaque string form of the cursor.
func (c Cursor) Encode() string {
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(data)
}

// ParseCursor decodes a cursor produced by Encode.
func ParseCursor(s string) (Cursor, error) {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: malformed cursor: %v", ErrInvalidConfig, err)
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, fmt.Errorf("%w: malformed cursor: %v", ErrInvalidConfig, err)
	}
	if err := c.Validate(); err != nil {
		return Cursor{}, err
	}
	return c, nil
}

// Validate checks that the cursor addresses single listings and holds no
// negative positions.
func (c Cursor) Validate() error {
	if len(c.Listings) == 0 {
		return fmt.Errorf("%w: cursor has no listings", ErrInvalidConfig)
	}
	if c.Turn < 0 || c.Turn >= len(c.Listings) {
		return fmt.Errorf("%w: cursor turn %d out of range", ErrInvalidConfig, c.Turn)
	}
	for _, l := range c.Listings {
		if _, err := l.Scope.Listings(); err != nil || l.Scope == ScopeBoth {
			return fmt.Errorf("%w: cursor has invalid scope %q", ErrInvalidConfig, l.Scope)
		}
		if l.Skip < 0 || l.Pages < 0 {
			return fmt.Errorf("%w: cursor has negative position in %s listing", ErrInvalidConfig, l.Scope)
		}
	}
	return nil
}
