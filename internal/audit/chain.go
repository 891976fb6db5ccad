// Package audit implements the tamper-evident, hash-chained audit trail.
//
// Every state-changing action on a regulated record is stored as a Record
// on its own line of an append-only JSON Lines file. Each record carries
// the checksum of the record before it, so editing, deleting or reordering
// any line breaks the chain from that point forward:
//
//	checksum = SHA-256(id | ts | actor | action | entity_type | entity_id
//	                   [| old] [| new] [| details] [| session] [| ip] [| prev])
//
// The live chain is <project>/audit/audit.log. Daily snapshots live in
// <project>/audit/daily/ and are copies of the live chain, not separate
// chains.
package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"
)

var (
	// ErrMalformedLine marks a line that is not a decodable audit record.
	ErrMalformedLine = errors.New("malformed audit line")

	// ErrChecksumMismatch marks a record whose stored checksum does not
	// match its contents.
	ErrChecksumMismatch = errors.New("audit checksum mismatch")
)

// ChecksumPrefix is prepended to every hex digest.
const ChecksumPrefix = "sha256:"

// ComputeChecksum returns the digest of r's content and r.PreviousHash.
// The field order is part of the on-disk format; changing it makes every
// existing log unverifiable.
//
// Fields are length-framed so that no two distinct records serialize to
// the same byte stream.
func ComputeChecksum(r *Record) string {
	h := sha256.New()
	writeField(h, "", r.ID)
	writeField(h, "", r.Timestamp.UTC().Format(time.RFC3339Nano))
	writeField(h, "", r.ActorID)
	writeField(h, "", string(r.Action))
	writeField(h, "", r.EntityType)
	writeField(h, "", r.EntityID)
	writeOptional(h, "old", r.OldValue)
	writeOptional(h, "new", r.NewValue)
	writeOptional(h, "details", r.Details)
	writeOptional(h, "session", r.SessionID)
	writeOptional(h, "ip", r.IPAddress)
	writeOptional(h, "prev", r.PreviousHash)
	return ChecksumPrefix + hex.EncodeToString(h.Sum(nil))
}

func writeField(w io.Writer, tag, v string) {
	fmt.Fprintf(w, "%s%d:%s|", tag, len(v), v)
}

func writeOptional(w io.Writer, tag, v string) {
	if v != "" {
		writeField(w, tag, v)
	}
}

// Seal links r to the chain head prev and computes its checksum.
// An empty prev makes r the first record of a chain.
func Seal(r *Record, prev string) {
	r.PreviousHash = prev
	r.Checksum = ComputeChecksum(r)
}

// VerifyChecksum reports whether r's stored checksum matches its content.
func VerifyChecksum(r *Record) bool {
	// Constant-time comparison; checksums are compared on untrusted input.
	return hmac.Equal([]byte(r.Checksum), []byte(ComputeChecksum(r)))
}

// Encode serializes r as a single JSON line without the trailing newline.
// JSON string escaping guarantees the result contains no raw newline.
func Encode(r *Record) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshaling audit record %s: %w", r.ID, err)
	}
	return data, nil
}

// Decode parses one line strictly. A line that is not a record yields an
// error wrapping ErrMalformedLine. A record whose checksum disagrees with
// its content is returned together with an error wrapping
// ErrChecksumMismatch.
func Decode(line []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(line, &r); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformedLine, err)
	}
	if r.ID == "" || r.Checksum == "" {
		return Record{}, fmt.Errorf("%w: missing id or checksum", ErrMalformedLine)
	}
	if !VerifyChecksum(&r) {
		return r, fmt.Errorf("%w: record %s", ErrChecksumMismatch, r.ID)
	}
	return r, nil
}

// Parse is the lenient variant of Decode used by head-finding and search:
// only malformed lines are errors, checksum mismatches are ignored.
func Parse(line []byte) (Record, error) {
	r, err := Decode(line)
	if err != nil && !errors.Is(err, ErrChecksumMismatch) {
		return Record{}, err
	}
	return r, nil
}
