package redisclaim

import (
	"strings"
	"testing"

	"github.com/xraph/almoner/id"
	"github.com/xraph/almoner/notify"
	"github.com/xraph/almoner/routing"
)

// hashTag returns the part of key Redis Cluster hashes on.
func hashTag(key string) string {
	start := strings.Index(key, "{")
	if start < 0 {
		return key
	}
	end := strings.Index(key[start+1:], "}")
	if end <= 0 {
		return key
	}
	return key[start+1 : start+1+end]
}

func TestScriptKeysShareSlot(t *testing.T) {
	s := New(nil, WithKeyPrefix("test"))
	requestID := id.NewRequestID()

	tests := []struct {
		name string
		key  string
	}{
		{"admin record", s.recordKey(&notify.Delivery{RequestID: requestID, Audience: routing.AudienceAdmin})},
		{"donor record", s.recordKey(&notify.Delivery{RequestID: requestID, Audience: routing.AudienceDonor})},
		{"request index", s.requestKey(requestID)},
	}
	want := requestID.String()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hashTag(tt.key); got != want {
				t.Errorf("hash tag of %q = %q, want %q", tt.key, got, want)
			}
		})
	}
}

func TestRecordKeyIsPerAudience(t *testing.T) {
	s := New(nil)
	requestID := id.NewRequestID()

	dash := s.recordKey(&notify.Delivery{RequestID: requestID, Audience: routing.AudienceDonor, Channels: []notify.Channel{notify.ChannelDashboard}})
	both := s.recordKey(&notify.Delivery{RequestID: requestID, Audience: routing.AudienceDonor, Channels: []notify.Channel{notify.ChannelDashboard, notify.ChannelNotify}})
	if dash != both {
		t.Errorf("record key depends on channels: %q != %q", dash, both)
	}
}
