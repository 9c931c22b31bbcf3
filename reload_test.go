package main

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/madflojo/testcerts"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type noticeRecorder struct {
	mu       sync.Mutex
	subjects []string
}

func (n *noticeRecorder) notify(subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subjects = append(n.subjects, subject)
	return nil
}

func (n *noticeRecorder) has(subject string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.subjects {
		if s == subject {
			return true
		}
	}
	return false
}

func testReloader(t *testing.T) (*CertReloader, *TLSSnapshot, string) {
	t.Helper()
	dir := t.TempDir()
	certFile, keyFile := writeCertPair(t, dir)
	snap, err := LoadSnapshot(certFile, keyFile)
	if err != nil {
		t.Fatal(err.Error())
	}
	r := NewCertReloader(NewTLSContext(snap), certFile, keyFile, time.Hour)
	r.ExpiryWarning = 0
	return r, snap, dir
}

func TestReloadUnchanged(t *testing.T) {
	r, snap, _ := testReloader(t)
	if err := r.Reload(); err != nil {
		t.Fatal(err.Error())
	}
	if r.LastOutcome() != ReloadValidated {
		t.Errorf("outcome %s, expected %s", r.LastOutcome(), ReloadValidated)
	}
	if r.TLS.Current() != snap {
		t.Error("identical certificate was swapped")
	}
	if r.State() != ReloadIdle {
		t.Errorf("state %s after reload", r.State())
	}
}

func TestReloadSwapsNewCertificate(t *testing.T) {
	r, snap, dir := testReloader(t)
	writeCertPair(t, dir)

	if err := r.Reload(); err != nil {
		t.Fatal(err.Error())
	}
	if r.LastOutcome() != ReloadSwapped {
		t.Errorf("outcome %s, expected %s", r.LastOutcome(), ReloadSwapped)
	}
	if r.TLS.Current().Same(snap) {
		t.Error("new certificate was not published")
	}
}

func TestReloadSwapsNewChain(t *testing.T) {
	r, snap, _ := testReloader(t)
	intermediate, _, err := testcerts.GenerateCerts()
	if err != nil {
		t.Fatal(err.Error())
	}
	chain, err := os.ReadFile(r.CertFile)
	if err != nil {
		t.Fatal(err.Error())
	}
	if err := os.WriteFile(r.CertFile, append(chain, intermediate...), 0600); err != nil {
		t.Fatal(err.Error())
	}

	if err := r.Reload(); err != nil {
		t.Fatal(err.Error())
	}
	if r.LastOutcome() != ReloadSwapped {
		t.Errorf("outcome %s, expected %s", r.LastOutcome(), ReloadSwapped)
	}
	current := r.TLS.Current()
	if !current.Leaf.Equal(snap.Leaf) || len(current.Certificate.Certificate) != 2 {
		t.Errorf("published chain has %d certificates", len(current.Certificate.Certificate))
	}
}

func TestReloadKeepsOldOnInvalid(t *testing.T) {
	r, snap, _ := testReloader(t)
	rec := &noticeRecorder{}
	r.Notify = rec.notify

	if err := os.WriteFile(r.CertFile, []byte("-----BEGIN CERTIFICATE-----\ngarbage\n"), 0600); err != nil {
		t.Fatal(err.Error())
	}
	err := r.Reload()
	if !errors.Is(err, ErrTLS) {
		t.Errorf("expected ErrTLS, got %v", err)
	}
	if r.LastOutcome() != ReloadInvalid {
		t.Errorf("outcome %s, expected %s", r.LastOutcome(), ReloadInvalid)
	}
	if r.TLS.Current() != snap {
		t.Error("invalid certificate replaced the current one")
	}
	if !rec.has("certificate reload failed") {
		t.Errorf("no failure notice, got %v", rec.subjects)
	}
}

func TestReloadMismatchedPair(t *testing.T) {
	r, snap, _ := testReloader(t)
	// new certificate, old key
	other := t.TempDir()
	certFile, _ := writeCertPair(t, other)
	r.CertFile = certFile

	if err := r.Reload(); !errors.Is(err, ErrTLS) {
		t.Errorf("expected ErrTLS, got %v", err)
	}
	if r.TLS.Current() != snap {
		t.Error("mismatched pair was published")
	}
}

func TestReloadExpiryNotice(t *testing.T) {
	r, _, _ := testReloader(t)
	rec := &noticeRecorder{}
	r.Notify = rec.notify
	r.ExpiryWarning = 100 * 365 * 24 * time.Hour

	if err := r.Reload(); err != nil {
		t.Fatal(err.Error())
	}
	if !rec.has("certificate expires soon") {
		t.Errorf("no expiry notice, got %v", rec.subjects)
	}
}

func TestReloadRateLimitedNotice(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	oldLogger := logger
	logger = zap.New(core)
	defer func() { logger = oldLogger }()

	r, snap, _ := testReloader(t)
	r.Notify = func(subject, body string) error {
		return ErrNoticeRateLimited
	}
	if err := os.WriteFile(r.CertFile, []byte("not a certificate"), 0600); err != nil {
		t.Fatal(err.Error())
	}
	for i := 0; i < 3; i++ {
		if err := r.Reload(); !errors.Is(err, ErrTLS) {
			t.Fatalf("expected ErrTLS, got %v", err)
		}
	}
	if r.TLS.Current() != snap {
		t.Error("invalid certificate replaced the current one")
	}

	if n := logs.FilterMessage("could not notify operators").Len(); n != 0 {
		t.Errorf("%d warnings for a rate limited notice", n)
	}
	if n := logs.FilterMessage("certificate reload failed, keeping current certificate").Len(); n != 3 {
		t.Errorf("%d reload failures logged, expected 3", n)
	}
}

func TestReloadNoticeFailure(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	oldLogger := logger
	logger = zap.New(core)
	defer func() { logger = oldLogger }()

	r, _, _ := testReloader(t)
	r.Notify = func(subject, body string) error {
		return errors.New("connection refused")
	}
	r.notify("certificate reload failed", "body")
	if n := logs.FilterMessage("could not notify operators").Len(); n != 1 {
		t.Errorf("%d warnings for a failed notice, expected 1", n)
	}
}

func waitForSwap(t *testing.T, tctx *TLSContext, old *TLSSnapshot) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for tctx.Current().Same(old) {
		if time.Now().After(deadline) {
			t.Fatal("certificate was never reloaded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestReloadRunTicker(t *testing.T) {
	r, snap, dir := testReloader(t)
	r.Interval = 20 * time.Millisecond
	writeCertPair(t, dir)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	waitForSwap(t, r.TLS, snap)
	cancel()
	<-done
}

func TestReloadRunTrigger(t *testing.T) {
	r, snap, dir := testReloader(t)
	r.Interval = 0 // triggers only

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	writeCertPair(t, dir)
	r.Trigger()
	r.Trigger() // coalesced, must not block
	waitForSwap(t, r.TLS, snap)
}

func TestReloadStateString(t *testing.T) {
	for s, expected := range map[ReloadState]string{
		ReloadIdle:      "idle",
		ReloadLoading:   "loading",
		ReloadValidated: "validated",
		ReloadSwapped:   "swapped",
		ReloadInvalid:   "invalid",
	} {
		if s.String() != expected {
			t.Errorf("%d: %q, expected %q", s, s.String(), expected)
		}
	}
}
