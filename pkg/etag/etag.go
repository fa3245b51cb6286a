// Package etag computes response ETags and remembers them per CDN base and path.
package etag

import (
	"hash/fnv"
	"strconv"
)

// Compute returns a quoted ETag for the payload: the FNV-1a 32-bit hash of
// the bytes in base 36. Identical bytes always give the identical ETag.
func Compute(payload []byte) string {
	h := fnv.New32a()
	h.Write(payload)
	return `"` + strconv.FormatUint(uint64(h.Sum32()), 36) + `"`
}
