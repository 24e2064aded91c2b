// Package nodeid implements the 128-bit NodeId, its 32-bit wire hash, and
// the per-process node identity (spec §3, §4.2, §4.3).
package nodeid

import (
	"encoding/binary"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"midimesh/internal/wire"
)

// NodeId is a 128-bit universally unique node identifier.
type NodeId struct {
	uuid uuid.UUID
}

// Nil is the null NodeId, which by convention (spec §3 Route) means "local".
var Nil = NodeId{}

// New generates a fresh random NodeId.
func New() NodeId {
	return NodeId{uuid: uuid.New()}
}

// Parse parses a canonical UUID string into a NodeId.
func Parse(s string) (NodeId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NodeId{}, err
	}
	return NodeId{uuid: u}, nil
}

// String returns the canonical UUID representation.
func (n NodeId) String() string { return n.uuid.String() }

// MarshalJSON encodes a NodeId as its canonical UUID string, so it reads
// naturally in the status API's JSON responses instead of as an opaque
// empty object.
func (n NodeId) MarshalJSON() ([]byte, error) {
	return []byte(`"` + n.uuid.String() + `"`), nil
}

// UnmarshalJSON decodes a NodeId from its canonical UUID string.
func (n *NodeId) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*n = NodeId{}
		return nil
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return err
	}
	n.uuid = u
	return nil
}

// IsNil reports whether n is the null NodeId.
func (n NodeId) IsNil() bool { return n.uuid == uuid.Nil }

// Bytes returns the 16 raw bytes of the id.
func (n NodeId) Bytes() [16]byte { return n.uuid }

// halves returns the big-endian high and low 64-bit halves of the id,
// matching the byte-order-independent fold the hash function requires.
func (n NodeId) halves() (hi, lo uint64) {
	b := n.uuid
	hi = binary.BigEndian.Uint64(b[0:8])
	lo = binary.BigEndian.Uint64(b[8:16])
	return
}

// Hash computes H(n), the 32-bit wire hash used in packet headers
// (spec §4.1 "UUID hashing").
func (n NodeId) Hash() uint32 {
	hi, lo := n.halves()
	return wire.HashUUID(hi, lo)
}

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9-]+`)

// DisplayName builds the "<hostname-sanitized-20>-<uuidPrefix8>" name
// described in spec §4.3.
func (n NodeId) DisplayName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	host = nonAlnum.ReplaceAllString(host, "-")
	host = strings.Trim(host, "-")
	if len(host) > 20 {
		host = host[:20]
	}
	prefix := strings.ReplaceAll(n.uuid.String(), "-", "")
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("%s-%s", host, prefix)
}
