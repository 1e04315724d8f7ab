package protocol

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	binaryOpenPrefix  = "{binary"
	binaryClosePrefix = "{/binary"
)

// NewNonce returns a random token for binary markers.
func NewNonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// BinaryMarkers returns the opening and closing marker texts for a binary
// request. Both embed the sequence number and a per-request nonce.
func BinaryMarkers(seq uint64, nonce string) (open, close string) {
	s := strconv.FormatUint(seq, 10)
	return binaryOpenPrefix + s + ":" + nonce + markerSuffix,
		binaryClosePrefix + s + ":" + nonce + markerSuffix
}

// WrapBinary surrounds args with echo directives so the process prints
// the opening marker before and the closing marker after the payload.
func WrapBinary(open, close string, args []string) []string {
	out := make([]string, 0, len(args)+4)
	out = append(out, "-echo", open)
	out = append(out, args...)
	out = append(out, "-echo3", close)
	return out
}
