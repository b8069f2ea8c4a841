// Package pagination pages through append-only lists with opaque cursors.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Cursor represents a decoded pagination cursor. It is bound to the list it
// was issued for.
type Cursor struct {
	ListID string
	Offset int
}

// PageResult represents a paginated result set
type PageResult[T any] struct {
	Items   []T    `json:"items"`
	Cursor  string `json:"cursor,omitempty"`
	HasMore bool   `json:"has_more"`
}

var (
	ErrInvalidCursor  = errors.New("invalid cursor format")
	ErrCursorMismatch = errors.New("cursor was issued for another list")
)

// EncodeCursor creates a base64-encoded cursor for the item at offset of listID
func EncodeCursor(listID string, offset int) string {
	if listID == "" {
		return ""
	}
	raw := listID + "|" + strconv.Itoa(offset)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor decodes a cursor. An empty cursor decodes to nil.
func DecodeCursor(cursor string) (*Cursor, error) {
	if cursor == "" {
		return nil, nil
	}

	decoded, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, ErrInvalidCursor
	}

	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 || parts[0] == "" {
		return nil, ErrInvalidCursor
	}

	offset, err := strconv.Atoi(parts[1])
	if err != nil || offset < 0 {
		return nil, ErrInvalidCursor
	}

	return &Cursor{
		ListID: parts[0],
		Offset: offset,
	}, nil
}

// ClampLimit applies DefaultLimit to non-positive values and caps at MaxLimit.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Page slices items starting at the cursor position of listID. The returned
// cursor is empty when the page reaches the end of items.
func Page[T any](listID string, items []T, cursor string, limit int) (PageResult[T], error) {
	c, err := DecodeCursor(cursor)
	if err != nil {
		return PageResult[T]{}, err
	}

	start := 0
	if c != nil {
		if c.ListID != listID {
			return PageResult[T]{}, ErrCursorMismatch
		}
		start = min(c.Offset, len(items))
	}

	limit = ClampLimit(limit)
	end := min(start+limit, len(items))

	page := PageResult[T]{Items: items[start:end]}
	if page.Items == nil {
		page.Items = []T{}
	}
	if end < len(items) {
		page.HasMore = true
		page.Cursor = EncodeCursor(listID, end)
	}
	return page, nil
}
