// Package pagination implements cursor-based pagination for list endpoints.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
)

// Pagination carries the caller-supplied page parameters.
type Pagination struct {
	PageToken string
	PageSize  int
}

// PageInfo is the paging envelope returned alongside list results.
type PageInfo struct {
	NextPageToken string `json:"next_page_token,omitempty"`
	HasMore       bool   `json:"has_more"`
}

// Cursor is the decoded page token payload.
type Cursor struct {
	ID        string `json:"id"`
	CreatedAt string `json:"created_at"`
}

var errInvalidCursor = errors.New("invalid_page_token")

// EncodeCursor serializes a cursor into an opaque page token.
func EncodeCursor(cursor Cursor) (string, error) {
	raw, err := json.Marshal(cursor)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeCursor parses an opaque page token back into a cursor.
func DecodeCursor(token string) (Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Cursor{}, errInvalidCursor
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, errInvalidCursor
	}
	var cursor Cursor
	if err := json.Unmarshal(raw, &cursor); err != nil {
		return Cursor{}, errInvalidCursor
	}
	return cursor, nil
}

// BuildCursorPageInfo derives PageInfo from an over-fetched result set.
// Callers fetch pageSize+1 records; the extra record signals another page.
func BuildCursorPageInfo[T any](items []*T, pageSize int32, token func(*T) string) *PageInfo {
	if pageSize <= 0 || len(items) <= int(pageSize) {
		return &PageInfo{}
	}
	last := items[pageSize-1]
	info := &PageInfo{HasMore: true}
	if last != nil {
		info.NextPageToken = token(last)
	}
	return info
}
