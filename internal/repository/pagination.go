package repository

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidCursor = errors.New("invalid cursor")

// PageCursor is the keyset position of the last outcome a device received.
// It orders by server apply sequence, then by client action id for ties.
type PageCursor struct {
	AppliedSeq     int64
	ClientActionID string
}

func EncodeCursor(c PageCursor) string {
	raw := fmt.Sprintf("%d|%s", c.AppliedSeq, c.ClientActionID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func DecodeCursor(s string) (*PageCursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	seqPart, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	seq, err := strconv.ParseInt(seqPart, 10, 64)
	if err != nil || seq < 0 {
		return nil, ErrInvalidCursor
	}
	return &PageCursor{AppliedSeq: seq, ClientActionID: id}, nil
}

// After reports whether an outcome at (seq, id) comes strictly after the cursor.
func (c *PageCursor) After(seq int64, id string) bool {
	if c == nil {
		return true
	}
	if seq != c.AppliedSeq {
		return seq > c.AppliedSeq
	}
	return id > c.ClientActionID
}
