package plugin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/almoner/entitlement"
	"github.com/xraph/almoner/request"
	"github.com/xraph/almoner/routing"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type namedPlugin struct{ name string }

func (p namedPlugin) Name() string { return p.name }

type submittedPlugin struct {
	namedPlugin
	calls int
	err   error
}

func (p *submittedPlugin) OnRequestSubmitted(context.Context, *request.Request) error {
	p.calls++
	return p.err
}

type slowPlugin struct {
	namedPlugin
	release chan struct{}
}

func (p *slowPlugin) OnRequestDecided(context.Context, *request.Request, routing.Info) error {
	<-p.release
	return nil
}

type deniedPlugin struct {
	namedPlugin
	reasons []entitlement.Reason
}

func (p *deniedPlugin) OnEntitlementDenied(_ context.Context, _, _ string, reason entitlement.Reason) error {
	p.reasons = append(p.reasons, reason)
	return nil
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry().WithLogger(discard)

	if err := r.Register(namedPlugin{"metrics"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(namedPlugin{"metrics"}); err == nil {
		t.Fatal("expected duplicate registration error")
	}
	if got := r.Count(); got != 1 {
		t.Errorf("Count() = %d, want 1", got)
	}
	if r.Get("metrics") == nil {
		t.Error("Get(metrics) = nil")
	}
	if r.Get("missing") != nil {
		t.Error("Get(missing) != nil")
	}
}

func TestEmitOnlyReachesImplementers(t *testing.T) {
	r := NewRegistry().WithLogger(discard)
	sub := &submittedPlugin{namedPlugin: namedPlugin{"sub"}}
	den := &deniedPlugin{namedPlugin: namedPlugin{"den"}}
	for _, p := range []Plugin{sub, den, namedPlugin{"plain"}} {
		if err := r.Register(p); err != nil {
			t.Fatal(err)
		}
	}

	ctx := context.Background()
	r.EmitRequestSubmitted(ctx, &request.Request{})
	r.EmitRequestSubmitted(ctx, &request.Request{})
	r.EmitEntitlementDenied(ctx, "acct", "feat", entitlement.ReasonFeatureDisabled)

	if sub.calls != 2 {
		t.Errorf("submitted calls = %d, want 2", sub.calls)
	}
	if len(den.reasons) != 1 || den.reasons[0] != entitlement.ReasonFeatureDisabled {
		t.Errorf("denied reasons = %v", den.reasons)
	}
	if got := len(r.List()); got != 3 {
		t.Errorf("List() len = %d, want 3", got)
	}
}

func TestHookErrorsAreSwallowed(t *testing.T) {
	r := NewRegistry().WithLogger(discard)
	sub := &submittedPlugin{namedPlugin: namedPlugin{"failing"}, err: errors.New("boom")}
	if err := r.Register(sub); err != nil {
		t.Fatal(err)
	}

	r.EmitRequestSubmitted(context.Background(), &request.Request{})
	if sub.calls != 1 {
		t.Errorf("calls = %d, want 1", sub.calls)
	}
}

func TestSlowHookTimesOut(t *testing.T) {
	r := NewRegistry().WithLogger(discard).WithTimeout(10 * time.Millisecond)
	slow := &slowPlugin{namedPlugin: namedPlugin{"slow"}, release: make(chan struct{})}
	defer close(slow.release)
	if err := r.Register(slow); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	r.EmitRequestDecided(context.Background(), &request.Request{}, routing.Info{})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("emit blocked for %v", elapsed)
	}
}
