// Package id defines TypeID-based identity types for all Almoner records.
//
// Every record uses a single ID struct with a prefix that identifies the
// record type. IDs are K-sortable (UUIDv7-based), globally unique and
// URL-safe in the format "prefix_suffix". K-sortability matters here: the
// audit log orders entries that share a timestamp by ID.
package id

import (
	"database/sql/driver"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the record type encoded in a TypeID.
type Prefix string

// Prefix constants for all Almoner record types.
const (
	PrefixRequest    Prefix = "req"  // Aid application or donation request
	PrefixAccount    Prefix = "acct" // Credit account
	PrefixFeature    Prefix = "feat" // Metered feature key
	PrefixReceipt    Prefix = "rcpt" // Debit receipt
	PrefixDelivery   Prefix = "dlv"  // Notification delivery record
	PrefixAudit      Prefix = "aud"  // Audit log entry
	PrefixUsageEvent Prefix = "uevt" // Feature usage event
)

// ID is the primary identifier type for all Almoner records.
//
//nolint:recvcheck // Value receivers for read-only methods, pointer receivers for UnmarshalText/Scan.
type ID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero-value ID.
var Nil ID

// New generates a new globally unique ID with the given prefix.
// It panics if prefix is not a valid TypeID prefix (programming error).
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}

	return ID{inner: tid, valid: true}
}

// Parse parses a TypeID string (e.g. "req_01h2xcejqtf2nbrexx3vqjhp41").
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse %q: empty string", s)
	}

	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}

	return ID{inner: tid, valid: true}, nil
}

// ParseWithPrefix parses a TypeID string and checks its prefix.
func ParseWithPrefix(s string, expected Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}

	if parsed.Prefix() != expected {
		return Nil, fmt.Errorf("id: expected prefix %q, got %q", expected, parsed.Prefix())
	}

	return parsed, nil
}

// MustParse is like Parse but panics on error. Use for hardcoded ID values.
func MustParse(s string) ID {
	parsed, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("id: must parse %q: %v", s, err))
	}

	return parsed
}

// RequestID identifies a request (prefix: "req").
type RequestID = ID

// AccountID identifies a credit account (prefix: "acct").
type AccountID = ID

// FeatureID identifies a metered feature (prefix: "feat").
type FeatureID = ID

// ReceiptID identifies a debit receipt (prefix: "rcpt").
type ReceiptID = ID

// DeliveryID identifies a delivery record (prefix: "dlv").
type DeliveryID = ID

// AuditID identifies an audit entry (prefix: "aud").
type AuditID = ID

// UsageEventID identifies a usage event (prefix: "uevt").
type UsageEventID = ID

func NewRequestID() ID    { return New(PrefixRequest) }
func NewAccountID() ID    { return New(PrefixAccount) }
func NewFeatureID() ID    { return New(PrefixFeature) }
func NewReceiptID() ID    { return New(PrefixReceipt) }
func NewDeliveryID() ID   { return New(PrefixDelivery) }
func NewAuditID() ID      { return New(PrefixAudit) }
func NewUsageEventID() ID { return New(PrefixUsageEvent) }

func ParseRequestID(s string) (ID, error)    { return ParseWithPrefix(s, PrefixRequest) }
func ParseAccountID(s string) (ID, error)    { return ParseWithPrefix(s, PrefixAccount) }
func ParseFeatureID(s string) (ID, error)    { return ParseWithPrefix(s, PrefixFeature) }
func ParseReceiptID(s string) (ID, error)    { return ParseWithPrefix(s, PrefixReceipt) }
func ParseDeliveryID(s string) (ID, error)   { return ParseWithPrefix(s, PrefixDelivery) }
func ParseAuditID(s string) (ID, error)      { return ParseWithPrefix(s, PrefixAudit) }
func ParseUsageEventID(s string) (ID, error) { return ParseWithPrefix(s, PrefixUsageEvent) }

// String returns the full TypeID string, or "" for Nil.
func (i ID) String() string {
	if !i.valid {
		return ""
	}

	return i.inner.String()
}

// Prefix returns the prefix component of this ID.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}

	return Prefix(i.inner.Prefix())
}

// IsNil reports whether this ID is the zero value.
func (i ID) IsNil() bool {
	return !i.valid
}

// Compare orders IDs by their string form, which for TypeIDs of the same
// prefix is creation order.
func (i ID) Compare(other ID) int {
	a, b := i.String(), other.String()
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) {
	if !i.valid {
		return []byte{}, nil
	}

	return []byte(i.inner.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
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

// Value implements driver.Valuer. Nil stores as NULL.
func (i ID) Value() (driver.Value, error) {
	if !i.valid {
		return nil, nil //nolint:nilnil // nil is the canonical NULL for driver.Valuer
	}

	return i.inner.String(), nil
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
		return fmt.Errorf("id: cannot scan %T into ID", src)
	}
}
