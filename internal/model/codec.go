package model

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
	"strings"
)

// castagnoli is the CRC32C polynomial table used for journal line checksums.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

const checksumKey = `,"crc32c":"`

// EncodeLine serializes an event record as one newline-terminated JSON line
// with a trailing CRC32C hex field. The checksum covers the serialized
// record without the checksum field itself.
func EncodeLine(e EventRecord) ([]byte, error) {
	if !e.Kind.Valid() {
		return nil, fmt.Errorf("refusing to encode unknown event kind %q", e.Kind)
	}
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event record: %w", err)
	}
	sum := crc32.Checksum(body, castagnoli)

	// Splice the checksum in as the last top-level field.
	line := make([]byte, 0, len(body)+len(checksumKey)+12)
	line = append(line, body[:len(body)-1]...)
	line = append(line, fmt.Sprintf(`%s%08x"}`, checksumKey, sum)...)
	line = append(line, '\n')
	return line, nil
}

// DecodeLine parses and checksum-verifies one journal line. Returns
// ErrCorruptRecord when the checksum field is missing, malformed, or does
// not match the record body.
func DecodeLine(line []byte) (EventRecord, error) {
	var zero EventRecord
	text := strings.TrimRight(string(line), "\n")

	idx := strings.LastIndex(text, checksumKey)
	if idx < 0 {
		return zero, fmt.Errorf("%w: missing checksum field", ErrCorruptRecord)
	}
	suffix := text[idx+len(checksumKey):]
	if len(suffix) != 10 || !strings.HasSuffix(suffix, `"}`) {
		return zero, fmt.Errorf("%w: malformed checksum field", ErrCorruptRecord)
	}
	var sum uint32
	if _, err := fmt.Sscanf(suffix[:8], "%08x", &sum); err != nil {
		return zero, fmt.Errorf("%w: unparsable checksum", ErrCorruptRecord)
	}

	body := text[:idx] + "}"
	if crc32.Checksum([]byte(body), castagnoli) != sum {
		return zero, fmt.Errorf("%w: checksum mismatch", ErrCorruptRecord)
	}

	var record EventRecord
	if err := json.Unmarshal([]byte(body), &record); err != nil {
		return zero, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return record, nil
}
