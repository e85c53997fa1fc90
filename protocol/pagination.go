package protocol

import (
	"encoding/base64"
	"strconv"

	"github.com/ggoodman/mcp-runtime-go/internal/jsonrpc"
)

// DefaultPageSize is the number of items per list page.
const DefaultPageSize = 50

const cursorPrefix = "offset:"

func encodeCursor(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + strconv.Itoa(offset)))
}

func decodeCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	invalid := jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "invalid cursor", nil)
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil || len(raw) <= len(cursorPrefix) || string(raw[:len(cursorPrefix)]) != cursorPrefix {
		return 0, invalid
	}
	n, err := strconv.Atoi(string(raw[len(cursorPrefix):]))
	if err != nil || n < 0 {
		return 0, invalid
	}
	return n, nil
}

// paginate returns the page of items starting at cursor and the cursor of
// the following page, empty on the last page.
func paginate[T any](items []T, cursor string, size int) ([]T, string, error) {
	start, err := decodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	if start > len(items) {
		start = len(items)
	}
	end := start + size
	if end >= len(items) {
		return items[start:], "", nil
	}
	return items[start:end], encodeCursor(end), nil
}
