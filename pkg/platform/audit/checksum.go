package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// Checksum computes the integrity checksum of an entry given the checksum of
// the previous entry for the same entity ("" for the first entry).
//
// The encoding is canonical: fields joined in a fixed order, timestamps in UTC
// RFC3339Nano, details as JSON (encoding/json sorts map keys). Verification is
// a fold of this function over the ordered entry sequence per entity.
func Checksum(prev string, e Entry) string {
	var b strings.Builder
	b.WriteString(prev)
	b.WriteByte('\n')
	b.WriteString(e.ID.String())
	b.WriteByte('\n')
	b.WriteString(e.EntityType)
	b.WriteByte('\n')
	b.WriteString(e.EntityID)
	b.WriteByte('\n')
	b.WriteString(e.Action)
	b.WriteByte('\n')
	if e.ActorID != nil {
		b.WriteString(e.ActorID.String())
	}
	b.WriteByte('\n')
	b.WriteString(string(e.Severity))
	b.WriteByte('\n')
	b.WriteString(string(e.Category))
	b.WriteByte('\n')
	b.WriteString(e.CorrelationID)
	b.WriteByte('\n')
	b.WriteString(e.Timestamp.UTC().Format(time.RFC3339Nano))
	b.WriteByte('\n')
	b.Write(canonicalDetails(e.Details))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func canonicalDetails(details map[string]any) []byte {
	if len(details) == 0 {
		return nil
	}
	// Marshal errors are impossible for the value types services put in
	// details (strings, numbers, bools); a failure here would only weaken the
	// checksum input, not the chain ordering.
	raw, err := json.Marshal(details)
	if err != nil {
		return []byte("unencodable")
	}
	return raw
}
