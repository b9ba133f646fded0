package ident

import (
	"context"
	"errors"
	"testing"

	"github.com/careline/nightbridge/internal/session"
)

// fakeLookup implements Lookup and counts its invocations.
type fakeLookup struct {
	sess  *session.Session
	err   error
	calls int
}

func (f *fakeLookup) SessionByIdentifier(_ context.Context, _ Kind, _ string) (*session.Session, error) {
	f.calls++
	return f.sess, f.err
}

func newTestSession() *session.Session {
	return &session.Session{
		ConferenceName: "conf_CA100",
		CarrierLegID:   "CA100",
		MixerID:        "CF200",
		RealtimeCallID: "rtc_300",
		State:          session.StateInitializing,
	}
}

func TestPutAndResolveAllKinds(t *testing.T) {
	ctx := context.Background()
	r := New(nil, nil)
	sess := newTestSession()
	if err := r.Put(ctx, sess); err != nil {
		t.Fatalf("Put: %v", err)
	}

	tests := []struct {
		kind  Kind
		value string
	}{
		{KindConference, "conf_CA100"},
		{KindCarrierLeg, "CA100"},
		{KindMixer, "CF200"},
		{KindRealtimeCall, "rtc_300"},
	}
	for _, tt := range tests {
		got, err := r.Resolve(ctx, tt.kind, tt.value)
		if err != nil {
			t.Fatalf("Resolve(%s, %s): %v", tt.kind, tt.value, err)
		}
		if got == nil || got.ConferenceName != "conf_CA100" {
			t.Errorf("Resolve(%s, %s) = %+v, want conf_CA100", tt.kind, tt.value, got)
		}
	}
}

func TestResolveUnknownReturnsNil(t *testing.T) {
	r := New(nil, nil)
	got, err := r.Resolve(context.Background(), KindCarrierLeg, "CAnone")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != nil {
		t.Errorf("Resolve unknown = %+v, want nil", got)
	}
}

func TestResolveEmptyValue(t *testing.T) {
	lk := &fakeLookup{}
	r := New(lk, nil)
	got, err := r.Resolve(context.Background(), KindMixer, "")
	if err != nil || got != nil {
		t.Errorf("Resolve empty = (%+v, %v), want (nil, nil)", got, err)
	}
	if lk.calls != 0 {
		t.Errorf("empty value hit durable lookup %d times", lk.calls)
	}
}

func TestFirstBindingWins(t *testing.T) {
	ctx := context.Background()
	r := New(nil, nil)
	if err := r.Put(ctx, newTestSession()); err != nil {
		t.Fatalf("Put: %v", err)
	}

	other := &session.Session{
		ConferenceName: "conf_CA999",
		CarrierLegID:   "CA100", // already owned by conf_CA100
	}
	err := r.Put(ctx, other)
	if !errors.Is(err, ErrCollision) {
		t.Fatalf("Put with stolen leg id: err = %v, want ErrCollision", err)
	}

	got, err := r.Resolve(ctx, KindCarrierLeg, "CA100")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.ConferenceName != "conf_CA100" {
		t.Errorf("after collision, CA100 resolves to %s, want conf_CA100", got.ConferenceName)
	}
}

func TestMergeIdentifier(t *testing.T) {
	ctx := context.Background()
	r := New(nil, nil)
	sess := newTestSession()
	sess.MixerID = ""
	if err := r.Put(ctx, sess); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := r.MergeIdentifier(ctx, "conf_CA100", KindMixer, "CF777"); err != nil {
		t.Fatalf("MergeIdentifier: %v", err)
	}
	got, err := r.Resolve(ctx, KindMixer, "CF777")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got == nil || got.ConferenceName != "conf_CA100" {
		t.Fatalf("merged mixer id did not resolve: %+v", got)
	}
	if got.MixerID != "CF777" {
		t.Errorf("cached session MixerID = %q, want CF777", got.MixerID)
	}
}

func TestMergeIdentifierCollision(t *testing.T) {
	ctx := context.Background()
	r := New(nil, nil)
	if err := r.Put(ctx, newTestSession()); err != nil {
		t.Fatalf("Put: %v", err)
	}
	second := &session.Session{ConferenceName: "conf_CA200", CarrierLegID: "CA200"}
	if err := r.Put(ctx, second); err != nil {
		t.Fatalf("Put second: %v", err)
	}

	err := r.MergeIdentifier(ctx, "conf_CA200", KindMixer, "CF200")
	if !errors.Is(err, ErrCollision) {
		t.Errorf("MergeIdentifier stolen mixer: err = %v, want ErrCollision", err)
	}
}

func TestPendingBindingAppliedAtPut(t *testing.T) {
	ctx := context.Background()
	r := New(nil, nil)

	// Mixer event arrives before the session finished registering.
	if err := r.MergeIdentifier(ctx, "conf_CA100", KindMixer, "CF555"); err != nil {
		t.Fatalf("MergeIdentifier pending: %v", err)
	}
	if got, _ := r.Resolve(ctx, KindMixer, "CF555"); got != nil {
		t.Fatalf("pending binding resolved before Put: %+v", got)
	}

	sess := newTestSession()
	sess.MixerID = ""
	if err := r.Put(ctx, sess); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := r.Resolve(ctx, KindMixer, "CF555")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got == nil || got.ConferenceName != "conf_CA100" {
		t.Fatalf("pending binding not applied at Put: %+v", got)
	}
}

func TestDropRemovesEveryEntry(t *testing.T) {
	ctx := context.Background()
	r := New(nil, nil)
	if err := r.Put(ctx, newTestSession()); err != nil {
		t.Fatalf("Put: %v", err)
	}
	r.Drop("conf_CA100")

	for _, tt := range []struct {
		kind  Kind
		value string
	}{
		{KindConference, "conf_CA100"},
		{KindCarrierLeg, "CA100"},
		{KindMixer, "CF200"},
		{KindRealtimeCall, "rtc_300"},
	} {
		if got, _ := r.Resolve(ctx, tt.kind, tt.value); got != nil {
			t.Errorf("after Drop, %s=%s still resolves to %s", tt.kind, tt.value, got.ConferenceName)
		}
	}
	if r.Size() != 0 {
		t.Errorf("Size() = %d after Drop, want 0", r.Size())
	}
}

func TestDurableFallbackRepopulates(t *testing.T) {
	ctx := context.Background()
	durable := newTestSession()
	durable.State = session.StateConnected
	lk := &fakeLookup{sess: durable}
	r := New(lk, nil)

	got, err := r.Resolve(ctx, KindRealtimeCall, "rtc_300")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got == nil || got.ConferenceName != "conf_CA100" {
		t.Fatalf("durable fallback miss: %+v", got)
	}
	if lk.calls != 1 {
		t.Fatalf("durable lookup called %d times, want 1", lk.calls)
	}

	// Late identifiers from the durable row are merged: the carrier leg id
	// resolves now without another durable round trip.
	got, err = r.Resolve(ctx, KindCarrierLeg, "CA100")
	if err != nil {
		t.Fatalf("Resolve repopulated: %v", err)
	}
	if got == nil || got.ConferenceName != "conf_CA100" {
		t.Fatalf("repopulated index missing leg id: %+v", got)
	}
	if lk.calls != 1 {
		t.Errorf("durable lookup called %d times after repopulation, want 1", lk.calls)
	}
}

func TestDurableFallbackError(t *testing.T) {
	lk := &fakeLookup{err: errors.New("connection refused")}
	r := New(lk, nil)
	_, err := r.Resolve(context.Background(), KindConference, "conf_CAx")
	if err == nil {
		t.Fatal("Resolve with failing lookup returned nil error")
	}
}

func TestResolveReturnsCopy(t *testing.T) {
	ctx := context.Background()
	r := New(nil, nil)
	if err := r.Put(ctx, newTestSession()); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, _ := r.Resolve(ctx, KindConference, "conf_CA100")
	got.State = session.StateFailed

	again, _ := r.Resolve(ctx, KindConference, "conf_CA100")
	if again.State != session.StateInitializing {
		t.Errorf("caller mutation leaked into registry: state = %s", again.State)
	}
}
