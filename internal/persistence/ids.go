package persistence

import (
	"encoding/hex"
	"fmt"
	"strings"
)

const maxDocNameLength = 300

// DocName identifies a logical document. Its prefix encodes the kind of
// entity it belongs to (e.g. "note:<uuid>", "panel:<uuid>:<uuid>"). The
// Snapshot Engine parses it (via NotePrefix) to fill a snapshot's note id;
// the Delete Coordinator builds doc names in this form from a note id.
type DocName string

// NewDocName validates raw input and returns a DocName.
func NewDocName(rawInput string) (DocName, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", errMissingDocName)
	}
	if len(trimmed) > maxDocNameLength {
		return "", fmt.Errorf("doc name exceeds %d characters", maxDocNameLength)
	}
	return DocName(trimmed), nil
}

// String returns the underlying doc name.
func (d DocName) String() string {
	return string(d)
}

// NotePrefix returns the note id a doc name belongs to: "note:<id>" returns
// "<id>", "panel:<id>:<sub>" also returns the owning note's "<id>". Returns
// "" if the doc name does not follow either convention.
func (d DocName) NotePrefix() string {
	value := string(d)
	switch {
	case strings.HasPrefix(value, "note:"):
		return strings.TrimPrefix(value, "note:")
	case strings.HasPrefix(value, "panel:"):
		rest := strings.TrimPrefix(value, "panel:")
		parts := strings.SplitN(rest, ":", 2)
		return parts[0]
	default:
		return ""
	}
}

// ProducerID is an opaque, caller-supplied identifier attached to an update
// for observability only — never used for ordering or authorization.
type ProducerID string

// NewProducerID validates raw input. Empty is allowed: the producer id is
// optional.
func NewProducerID(rawInput string) (ProducerID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if len(trimmed) > maxDocNameLength {
		return "", fmt.Errorf("producer id exceeds %d characters", maxDocNameLength)
	}
	return ProducerID(trimmed), nil
}

// String returns the underlying producer id.
func (p ProducerID) String() string {
	return string(p)
}

// Checksum is a validated lowercase hex SHA-256 digest.
type Checksum string

// NewChecksum validates that rawInput is 64 lowercase hex characters.
func NewChecksum(rawInput string) (Checksum, error) {
	trimmed := strings.TrimSpace(strings.ToLower(rawInput))
	if len(trimmed) != 64 {
		return "", fmt.Errorf("checksum must be 64 hex characters, got %d", len(trimmed))
	}
	if _, err := hex.DecodeString(trimmed); err != nil {
		return "", fmt.Errorf("checksum must be hex encoded: %w", err)
	}
	return Checksum(trimmed), nil
}

// String returns the underlying checksum.
func (c Checksum) String() string {
	return string(c)
}
