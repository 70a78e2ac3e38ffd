// Package notify fans a routing decision out to its audiences, delivering
// at most once per (request, audience).
package notify

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/xraph/almoner/id"
	"github.com/xraph/almoner/routing"
	"github.com/xraph/almoner/types"
)

// ErrAlreadyClaimed is returned by Store.ClaimDelivery when a pending or
// delivered record already exists for the delivery key.
var ErrAlreadyClaimed = errors.New("notify: delivery already claimed")

// Channel distinguishes dashboard placement from active notification.
type Channel string

const (
	ChannelDashboard Channel = "dashboard"
	ChannelNotify    Channel = "notify"
)

// Target is one audience of a decision and the channels it was routed
// to. An audience listed both for dashboards and for notification is a
// single target.
type Target struct {
	Audience routing.Audience `json:"audience"`
	Channels []Channel        `json:"channels"`
}

// Has reports whether t was routed to channel c.
func (t Target) Has(c Channel) bool {
	return slices.Contains(t.Channels, c)
}

func (t Target) String() string {
	return string(t.Audience) + "[" + JoinChannels(t.Channels) + "]"
}

// Targets expands routing info into one target per audience. Audiences
// keep their routing order, dashboards first.
func Targets(info routing.Info) []Target {
	out := make([]Target, 0, len(info.Dashboards)+len(info.Notify))
	index := make(map[routing.Audience]int, cap(out))
	add := func(a routing.Audience, c Channel) {
		if i, ok := index[a]; ok {
			out[i].Channels = append(out[i].Channels, c)
			return
		}
		index[a] = len(out)
		out = append(out, Target{Audience: a, Channels: []Channel{c}})
	}
	for _, a := range info.Dashboards {
		add(a, ChannelDashboard)
	}
	for _, a := range info.Notify {
		add(a, ChannelNotify)
	}
	return out
}

// JoinChannels encodes channels as a comma-separated list for storage.
func JoinChannels(cs []Channel) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}

// ParseChannels decodes a list written by JoinChannels.
func ParseChannels(s string) []Channel {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]Channel, len(parts))
	for i, p := range parts {
		out[i] = Channel(p)
	}
	return out
}

// Message is what a Deliverer receives. DeliveryID is stable across
// reclaims of a failed delivery and can be used as an idempotency token
// by the delivery channel.
type Message struct {
	DeliveryID id.DeliveryID    `json:"delivery_id"`
	RequestID  id.RequestID     `json:"request_id"`
	Audience   routing.Audience `json:"audience"`
	Channels   []Channel        `json:"channels"`
	Attempt    int              `json:"attempt"`
}

// DeliveryReceipt is the delivery channel's acknowledgement.
type DeliveryReceipt struct {
	Reference   string    `json:"reference,omitempty"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// Deliverer hands a message to an external delivery channel (email, push,
// in-app mailbox). Retrying failed deliveries is the channel's job.
type Deliverer interface {
	Deliver(ctx context.Context, msg Message) (*DeliveryReceipt, error)
}

// DelivererFunc adapts a function to the Deliverer interface.
type DelivererFunc func(ctx context.Context, msg Message) (*DeliveryReceipt, error)

// Deliver calls f(ctx, msg).
func (f DelivererFunc) Deliver(ctx context.Context, msg Message) (*DeliveryReceipt, error) {
	return f(ctx, msg)
}

// Status is the state of a delivery record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Delivery is the idempotency record for one audience of one request.
type Delivery struct {
	types.Entity
	ID          id.DeliveryID    `json:"id"`
	RequestID   id.RequestID     `json:"request_id"`
	Audience    routing.Audience `json:"audience"`
	Channels    []Channel        `json:"channels"`
	Status      Status           `json:"status"`
	Reference   string           `json:"reference,omitempty"`
	Attempts    int              `json:"attempts"`
	LastError   string           `json:"last_error,omitempty"`
	DeliveredAt *time.Time       `json:"delivered_at,omitempty"`
}

// Key returns the idempotency key of d.
func (d *Delivery) Key() string {
	return DeliveryKey(d.RequestID, d.Audience)
}

// Target returns the audience and channels of d.
func (d *Delivery) Target() Target {
	return Target{Audience: d.Audience, Channels: slices.Clone(d.Channels)}
}

// Clone returns a copy of d.
func (d *Delivery) Clone() *Delivery {
	c := *d
	c.Channels = slices.Clone(d.Channels)
	if d.DeliveredAt != nil {
		t := *d.DeliveredAt
		c.DeliveredAt = &t
	}
	return &c
}

// DeliveryKey builds the idempotency key for a request and audience.
func DeliveryKey(requestID id.RequestID, audience routing.Audience) string {
	return requestID.String() + "/" + string(audience)
}

// DispatchError reports a failed delivery to one audience.
type DispatchError struct {
	RequestID id.RequestID
	Audience  routing.Audience
	Channels  []Channel
	Err       error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("notify: deliver %s to %s: %v", e.RequestID, e.Audience, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }
