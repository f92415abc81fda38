package syncer

import (
	"strconv"
	"strings"
)

// Token is the parsed form of the opaque cursor handed to clients. The
// watermark is the exclusive lower bound of the next change feed read:
// a feed call returns everything updated strictly after it. Clients
// must treat the wire form as opaque; only this package mints and
// parses it.
type Token struct {
	UserId    string
	Watermark int64
}

func (t Token) String() string {
	return t.UserId + ":" + strconv.FormatInt(t.Watermark, 10)
}

// ParseToken rejects anything that does not split into exactly two
// non-empty parts with a non-negative integer watermark. User ids
// containing ':' are rejected at the authentication boundary, so the
// split is unambiguous here.
func ParseToken(raw string) (Token, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Token{}, ErrInvalidToken
	}
	watermark, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || watermark < 0 {
		return Token{}, ErrInvalidToken
	}
	return Token{UserId: parts[0], Watermark: watermark}, nil
}
