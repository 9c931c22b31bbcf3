package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hako/durafmt"
	"go.uber.org/zap"
)

type ReloadState int32

const (
	ReloadIdle ReloadState = iota
	ReloadLoading
	ReloadValidated
	ReloadSwapped
	ReloadInvalid
)

func (s ReloadState) String() string {
	switch s {
	case ReloadIdle:
		return "idle"
	case ReloadLoading:
		return "loading"
	case ReloadValidated:
		return "validated"
	case ReloadSwapped:
		return "swapped"
	case ReloadInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Default remaining validity below which operators are warned.
const DefaultExpiryWarning = 14 * 24 * time.Hour

/*
CertReloader re-reads the certificate and key
files every Interval (and whenever Trigger is
called) and publishes them through the
TLSContext. A file that does not validate is
reported and otherwise ignored: the current
snapshot keeps serving.
*/
type CertReloader struct {
	TLS           *TLSContext
	CertFile      string
	KeyFile       string
	Interval      time.Duration
	ExpiryWarning time.Duration
	Notify        func(subject, body string) error // optional

	mu      sync.Mutex // one cycle at a time
	state   int32
	last    int32 // terminal state of the previous cycle
	trigger chan struct{}
}

func NewCertReloader(t *TLSContext, certFile, keyFile string, interval time.Duration) *CertReloader {
	return &CertReloader{
		TLS:           t,
		CertFile:      certFile,
		KeyFile:       keyFile,
		Interval:      interval,
		ExpiryWarning: DefaultExpiryWarning,
		trigger:       make(chan struct{}, 1),
	}
}

func (r *CertReloader) State() ReloadState {
	return ReloadState(atomic.LoadInt32(&r.state))
}

// LastOutcome is Swapped, Invalid or Validated (unchanged file).
func (r *CertReloader) LastOutcome() ReloadState {
	return ReloadState(atomic.LoadInt32(&r.last))
}

func (r *CertReloader) setState(s ReloadState) {
	atomic.StoreInt32(&r.state, int32(s))
	switch s {
	case ReloadSwapped, ReloadInvalid, ReloadValidated:
		atomic.StoreInt32(&r.last, int32(s))
	}
}

// Run blocks until ctx is done.
func (r *CertReloader) Run(ctx context.Context) {
	var tick <-chan time.Time
	if r.Interval > 0 {
		ticker := time.NewTicker(r.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case <-r.trigger:
		}
		r.Reload()
	}
}

// Trigger asks Run for a reload without waiting for the next tick.
func (r *CertReloader) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
		// one is already pending
	}
}

func (r *CertReloader) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.setState(ReloadIdle)

	r.setState(ReloadLoading)
	snap, err := LoadSnapshot(r.CertFile, r.KeyFile)
	if err != nil {
		r.setState(ReloadInvalid)
		logger.Error("certificate reload failed, keeping current certificate",
			zap.String("cert", r.CertFile), zap.String("key", r.KeyFile), zap.Error(err))
		r.notify("certificate reload failed", fmt.Sprintf(
			"Reloading %s / %s failed:\n\n%s\n\nThe previous certificate is still being served.",
			r.CertFile, r.KeyFile, err))
		return err
	}

	r.setState(ReloadValidated)
	expiresIn := time.Until(snap.Leaf.NotAfter)
	if !snap.Same(r.TLS.Current()) {
		r.TLS.Swap(snap)
		r.setState(ReloadSwapped)
		logger.Info("certificate reloaded",
			zap.String("subject", snap.Leaf.Subject.String()),
			zap.String("expires", durafmt.ParseShort(expiresIn).String()))
	}

	if r.ExpiryWarning > 0 && expiresIn < r.ExpiryWarning {
		logger.Warn("certificate expires soon", zap.String("in", durafmt.ParseShort(expiresIn).String()))
		r.notify("certificate expires soon", fmt.Sprintf(
			"The certificate in %s expires in %s (%s).",
			r.CertFile, durafmt.ParseShort(expiresIn), snap.Leaf.NotAfter.Format(time.RFC1123)))
	}
	return nil
}

func (r *CertReloader) notify(subject, body string) {
	if r.Notify == nil {
		return
	}
	err := r.Notify(subject, body)
	switch {
	case err == nil:
	case errors.Is(err, ErrNoticeRateLimited):
		// already sent within the notice window
		logger.Debug("notice dropped", zap.String("subject", subject))
	default:
		logger.Warn("could not notify operators", zap.String("subject", subject), zap.Error(err))
	}
}
