// Package runlock implements the per-run file mutex with lease + heartbeat
// described in spec §4.11. Grounded in background.go's goroutine-per-ticker
// idiom (registerAgent + runAgentLoop): the heartbeat here is the same
// "spawn a goroutine that wakes on a time.Ticker and does one small thing"
// shape, retargeted from board bookkeeping to lease refresh, and in
// kanban/state.go's CleanupOrphanedRunningAgents/CleanupStaleRunningAgents,
// which already encode "anything left running past its time is presumed
// dead and reclaimable" — exactly RunLock's staleness rule.
package runlock

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/madhatter5501/deepresearch/internal/apperr"
	"github.com/madhatter5501/deepresearch/internal/audit"
	"github.com/madhatter5501/deepresearch/internal/clock"
)

// State is the on-disk shape of logs/run.lock.
type State struct {
	AcquiredAt string `json:"acquired_at"`
	ExpiresAt  string `json:"expires_at"`
	Reason     string `json:"reason"`
	HolderID   string `json:"holder_id"`
}

// Handle is the live lock a successful Acquire returns. It exposes Refresh
// and Release; heartbeating is started separately via StartHeartbeat so
// callers that don't want a background goroutine (e.g. a single fixture
// tick in a test) can skip it.
type Handle struct {
	path     string
	holderID string
	audit    *audit.Log
	clk      clock.Clock
	runID    string

	mu            sync.Mutex
	leaseSeconds  int
	released      bool
	heartbeatStop chan struct{}
	heartbeatWG   sync.WaitGroup
}

// Options configures Acquire.
type Options struct {
	RunRoot      string
	RunID        string
	LeaseSeconds int
	Reason       string
	HolderID     string
	Audit        *audit.Log
	Clock        clock.Clock
}

func lockPath(runRoot string) string {
	return runRoot + "/logs/run.lock"
}

// Acquire creates logs/run.lock atomically. If the file exists and its
// lease has not expired, returns LOCK_HELD. If the existing lease has
// expired, the lock is stolen (overwritten, audited as lock_stolen).
func Acquire(opts Options) (*Handle, error) {
	if opts.LeaseSeconds <= 0 {
		opts.LeaseSeconds = 30
	}
	path := lockPath(opts.RunRoot)
	now := opts.Clock.Now()

	state := State{
		AcquiredAt: clock.ISO8601UTC(now),
		ExpiresAt:  clock.ISO8601UTC(now.Add(time.Duration(opts.LeaseSeconds) * time.Second)),
		Reason:     opts.Reason,
		HolderID:   opts.HolderID,
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("runlock: marshal: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return acquireOverExisting(path, state, data, opts, now)
		}
		return nil, fmt.Errorf("runlock: create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("runlock: write %s: %w", path, err)
	}
	f.Close()

	if opts.Audit != nil {
		_ = opts.Audit.Append(opts.RunID, audit.KindLockAcquired, opts.Reason, now, nil, nil, map[string]any{"holder_id": opts.HolderID})
	}

	return &Handle{path: path, holderID: opts.HolderID, audit: opts.Audit, clk: opts.Clock, runID: opts.RunID, leaseSeconds: opts.LeaseSeconds}, nil
}

func acquireOverExisting(path string, newState State, newData []byte, opts Options, now time.Time) (*Handle, error) {
	existingBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("runlock: read existing %s: %w", path, err)
	}
	var existing State
	if err := json.Unmarshal(existingBytes, &existing); err != nil {
		return nil, fmt.Errorf("runlock: decode existing %s: %w", path, err)
	}
	expires, err := time.Parse(time.RFC3339, existing.ExpiresAt)
	if err == nil && expires.After(now) {
		return nil, apperr.New(apperr.CodeLockHeld, "run lock is held by another holder", map[string]any{
			"holder_id":  existing.HolderID,
			"expires_at": existing.ExpiresAt,
		})
	}

	// Lease expired (or unparsable, treated as stale): steal it.
	if err := os.WriteFile(path, newData, 0o644); err != nil {
		return nil, fmt.Errorf("runlock: steal %s: %w", path, err)
	}
	if opts.Audit != nil {
		_ = opts.Audit.Append(opts.RunID, audit.KindLockStolen, opts.Reason, now, nil, nil, map[string]any{
			"previous_holder_id": existing.HolderID,
			"new_holder_id":      opts.HolderID,
		})
	}
	return &Handle{path: path, holderID: opts.HolderID, audit: opts.Audit, clk: opts.Clock, runID: opts.RunID, leaseSeconds: opts.LeaseSeconds}, nil
}

// Refresh extends the lease by leaseSeconds from now by rewriting the lock
// file with this handle as holder. It fails only after Release; it does not
// read the file first, so a holder that lost the lock to a steal refreshes
// a file it no longer owns and will simply be overwritten again on the
// next steal.
func (h *Handle) Refresh(leaseSeconds int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return fmt.Errorf("runlock: refresh after release")
	}
	now := h.clk.Now()
	state := State{
		AcquiredAt: clock.ISO8601UTC(now),
		ExpiresAt:  clock.ISO8601UTC(now.Add(time.Duration(leaseSeconds) * time.Second)),
		Reason:     "heartbeat",
		HolderID:   h.holderID,
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(h.path, data, 0o644)
}

// StartHeartbeat launches a goroutine that calls Refresh every
// interval, renewing leaseSeconds each time, until the handle is
// released. The timer is owned by the handle and torn down on Release
// (spec §9 design note: "model as a timer task owned by the lock handle").
func (h *Handle) StartHeartbeat(interval time.Duration, leaseSeconds int) {
	h.mu.Lock()
	if h.heartbeatStop != nil {
		h.mu.Unlock()
		return
	}
	h.heartbeatStop = make(chan struct{})
	stop := h.heartbeatStop
	h.mu.Unlock()

	h.heartbeatWG.Add(1)
	go func() {
		defer h.heartbeatWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = h.Refresh(leaseSeconds)
			}
		}
	}()
}

// Release removes the lock file and stops any running heartbeat.
func (h *Handle) Release() error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil
	}
	h.released = true
	stop := h.heartbeatStop
	h.mu.Unlock()

	if stop != nil {
		close(stop)
		h.heartbeatWG.Wait()
	}

	if h.audit != nil {
		_ = h.audit.Append(h.runID, audit.KindLockReleased, "release", h.clk.Now(), nil, nil, map[string]any{"holder_id": h.holderID})
	}
	return os.Remove(h.path)
}
