package id_test

import (
	"strings"
	"testing"

	"github.com/xraph/almoner/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		newFn  func() id.ID
		prefix string
	}{
		{"RequestID", id.NewRequestID, "req_"},
		{"AccountID", id.NewAccountID, "acct_"},
		{"FeatureID", id.NewFeatureID, "feat_"},
		{"ReceiptID", id.NewReceiptID, "rcpt_"},
		{"DeliveryID", id.NewDeliveryID, "dlv_"},
		{"AuditID", id.NewAuditID, "aud_"},
		{"UsageEventID", id.NewUsageEventID, "uevt_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.newFn().String()
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("expected prefix %q, got %q", tt.prefix, got)
			}
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		newFn   func() id.ID
		parseFn func(string) (id.ID, error)
	}{
		{"RequestID", id.NewRequestID, id.ParseRequestID},
		{"AccountID", id.NewAccountID, id.ParseAccountID},
		{"FeatureID", id.NewFeatureID, id.ParseFeatureID},
		{"ReceiptID", id.NewReceiptID, id.ParseReceiptID},
		{"DeliveryID", id.NewDeliveryID, id.ParseDeliveryID},
		{"AuditID", id.NewAuditID, id.ParseAuditID},
		{"UsageEventID", id.NewUsageEventID, id.ParseUsageEventID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := tt.newFn()
			parsed, err := tt.parseFn(original.String())
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if parsed.String() != original.String() {
				t.Errorf("round-trip mismatch: %q != %q", parsed.String(), original.String())
			}
		})
	}
}

func TestCrossTypeRejection(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		parseFn func(string) (id.ID, error)
	}{
		{"ParseRequestID rejects acct_", id.NewAccountID().String(), id.ParseRequestID},
		{"ParseAccountID rejects feat_", id.NewFeatureID().String(), id.ParseAccountID},
		{"ParseFeatureID rejects rcpt_", id.NewReceiptID().String(), id.ParseFeatureID},
		{"ParseReceiptID rejects dlv_", id.NewDeliveryID().String(), id.ParseReceiptID},
		{"ParseDeliveryID rejects aud_", id.NewAuditID().String(), id.ParseDeliveryID},
		{"ParseAuditID rejects uevt_", id.NewUsageEventID().String(), id.ParseAuditID},
		{"ParseUsageEventID rejects req_", id.NewRequestID().String(), id.ParseUsageEventID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.parseFn(tt.input); err == nil {
				t.Errorf("expected error for cross-type parse of %q, got nil", tt.input)
			}
		})
	}
}

func TestParseEmpty(t *testing.T) {
	if _, err := id.Parse(""); err == nil {
		t.Error("expected error for empty string")
	}
}

func TestNilID(t *testing.T) {
	var i id.ID
	if !i.IsNil() {
		t.Error("zero-value ID should be nil")
	}
	if i.String() != "" {
		t.Errorf("expected empty string, got %q", i.String())
	}
	if i.Prefix() != "" {
		t.Errorf("expected empty prefix, got %q", i.Prefix())
	}
}

func TestMarshalUnmarshalText(t *testing.T) {
	original := id.NewRequestID()
	data, err := original.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText failed: %v", err)
	}

	var restored id.ID
	if err := restored.UnmarshalText(data); err != nil {
		t.Fatalf("UnmarshalText failed: %v", err)
	}
	if restored.String() != original.String() {
		t.Errorf("mismatch: %q != %q", restored.String(), original.String())
	}

	var nilID id.ID
	data, _ = nilID.MarshalText()
	var restored2 id.ID
	if err := restored2.UnmarshalText(data); err != nil {
		t.Fatalf("UnmarshalText(nil) failed: %v", err)
	}
	if !restored2.IsNil() {
		t.Error("expected nil after round-trip of nil ID")
	}
}

func TestValueScan(t *testing.T) {
	original := id.NewAccountID()
	val, err := original.Value()
	if err != nil {
		t.Fatalf("Value failed: %v", err)
	}

	var scanned id.ID
	if err := scanned.Scan(val); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if scanned.String() != original.String() {
		t.Errorf("mismatch: %q != %q", scanned.String(), original.String())
	}

	var fromBytes id.ID
	if err := fromBytes.Scan([]byte(original.String())); err != nil {
		t.Fatalf("Scan([]byte) failed: %v", err)
	}
	if fromBytes.String() != original.String() {
		t.Errorf("mismatch: %q != %q", fromBytes.String(), original.String())
	}

	var nilID id.ID
	val, _ = nilID.Value()
	if val != nil {
		t.Errorf("expected nil value for nil ID, got %v", val)
	}

	if err := scanned.Scan(42); err == nil {
		t.Error("expected error scanning int")
	}
}

func TestCompareIsCreationOrder(t *testing.T) {
	a := id.NewAuditID()
	b := id.NewAuditID()
	if a.Compare(b) >= 0 {
		t.Errorf("expected %q < %q", a, b)
	}
	if a.Compare(a) != 0 {
		t.Error("expected id to compare equal to itself")
	}
}
