// Package id defines TypeID-based identifiers for Courier.
//
// IDs are UUIDv7-based, so their string form sorts by creation time. A job
// record ID looks like "jrec_01h2xcejqtf2nbrexx3vqjhp41".
package id

import (
	"database/sql/driver"
	"fmt"
	"strings"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies what an ID names.
type Prefix string

const (
	// PrefixRecord marks durable job records.
	PrefixRecord Prefix = "jrec"
	// PrefixWorker marks worker pool instances.
	PrefixWorker Prefix = "wkr"
	// PrefixDelivery marks a single broker delivery of a record.
	PrefixDelivery Prefix = "dlv"
)

// ID wraps a TypeID. The zero value is Nil and stores as NULL.
//
//nolint:recvcheck // pointer receivers only where the ID is decoded in place
type ID struct {
	tid typeid.TypeID
	ok  bool
}

// Nil is the zero ID.
var Nil ID

// RecordID identifies a job record.
type RecordID = ID

// WorkerID identifies a worker pool instance.
type WorkerID = ID

// New generates an ID with the given prefix. An invalid prefix is a
// programming error and panics.
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: generate %q: %v", prefix, err))
	}
	return ID{tid: tid, ok: true}
}

// NewRecordID generates a job record ID.
func NewRecordID() ID { return New(PrefixRecord) }

// NewWorkerID generates a worker ID.
func NewWorkerID() ID { return New(PrefixWorker) }

// NewDeliveryID generates a broker delivery ID.
func NewDeliveryID() ID { return New(PrefixDelivery) }

// Parse parses an ID of any known prefix.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse: empty string")
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}
	return ID{tid: tid, ok: true}, nil
}

// ParseRecordID parses s and rejects IDs that do not name a job record.
// Admin callers pass user input straight through here.
func ParseRecordID(s string) (ID, error) {
	parsed, err := Parse(strings.TrimSpace(s))
	if err != nil {
		return Nil, err
	}
	if p := parsed.Prefix(); p != PrefixRecord {
		return Nil, fmt.Errorf("id: %q is a %q id, not a job record", s, p)
	}
	return parsed, nil
}

// String returns "prefix_suffix", or "" for Nil.
func (i ID) String() string {
	if !i.ok {
		return ""
	}
	return i.tid.String()
}

// Prefix returns the prefix, or "" for Nil.
func (i ID) Prefix() Prefix {
	if !i.ok {
		return ""
	}
	return Prefix(i.tid.Prefix())
}

// IsNil reports whether i is the zero ID.
func (i ID) IsNil() bool { return !i.ok }

// Compare orders IDs by their string form, which for IDs sharing a prefix
// is creation order. Nil sorts first.
func (i ID) Compare(other ID) int {
	return strings.Compare(i.String(), other.String())
}

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty input yields Nil.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil
		return nil
	}
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// Value implements driver.Valuer.
func (i ID) Value() (driver.Value, error) {
	if !i.ok {
		return nil, nil //nolint:nilnil // NULL
	}
	return i.tid.String(), nil
}

// Scan implements sql.Scanner.
func (i *ID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*i = Nil
		return nil
	case string:
		return i.UnmarshalText([]byte(v))
	case []byte:
		return i.UnmarshalText(v)
	default:
		return fmt.Errorf("id: cannot scan %T", src)
	}
}
