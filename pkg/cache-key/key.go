package cachekey

import (
	"fmt"
	"strconv"
	"strings"
)

const baseSeparator = ":"

// Key identifies a stored ETag.
// Responses for the same path served under different CDN bases embed different
// URLs, so the CDN base is part of the identity.
type Key struct {
	CDNBase string
	Path    string
}

// New returns the key for a CDN base and a request path.
func New(cdnBase, path string) Key {
	return Key{CDNBase: cdnBase, Path: path}
}

// String encodes the key as `<len(cdnBase)>:<cdnBase><path>`.
// The length prefix keeps the encoding unambiguous whatever characters
// the CDN base contains.
func (k Key) String() string {
	return strconv.Itoa(len(k.CDNBase)) + baseSeparator + k.CDNBase + k.Path
}

// BasePrefix gets the encoded prefix shared by every key with the given CDN base.
// E.g. for purging all entries of one CDN.
func BasePrefix(cdnBase string) string {
	return New(cdnBase, "").String()
}

// Parse reverses String.
func Parse(s string) (Key, error) {
	lenStr, rest, found := strings.Cut(s, baseSeparator)
	if !found {
		return Key{}, fmt.Errorf("malformed key: %q", s)
	}
	n, err := strconv.Atoi(lenStr)
	if err != nil || n < 0 || n > len(rest) {
		return Key{}, fmt.Errorf("malformed key: %q", s)
	}
	return Key{CDNBase: rest[:n], Path: rest[n:]}, nil
}
