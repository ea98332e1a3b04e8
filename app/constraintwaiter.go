// Copyright 2023 Northern.tech AS
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.
package app

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/northlake-systems/pkgstage/installer"
)

// Constraints is the bitset of predicate clauses a constraint check
// ANDs together.
type Constraints uint32

const (
	ConstraintDeviceIdle Constraints = 1 << iota
	ConstraintForegroundAbsent
	ConstraintInteractingAbsent
	ConstraintTopVisibleAbsent
	ConstraintInCallAbsent
)

func (c Constraints) Has(flag Constraints) bool {
	return c&flag != 0
}

const (
	oneWeek = 7 * 24 * time.Hour

	// defaultIdleProbeInterval is the floor timeout_ms gets bumped to
	// when ConstraintDeviceIdle is set.
	defaultIdleProbeInterval = 10 * time.Second
)

// CheckResult is the outcome a constraint check's future resolves
// with, exactly once.
type CheckResult struct {
	Satisfied bool
}

// checkFuture is a one-shot pending-completion handle, fulfilled
// exactly once by whichever of {immediate-success, idle-success,
// deadline} runs first.
type checkFuture struct {
	ch   chan CheckResult
	once sync.Once
}

func newCheckFuture() *checkFuture {
	return &checkFuture{ch: make(chan CheckResult, 1)}
}

func (f *checkFuture) complete(r CheckResult) {
	f.once.Do(func() {
		f.ch <- r
	})
}

// Result returns the channel the caller reads the eventual outcome
// from; it receives exactly one value.
func (f *checkFuture) Result() <-chan CheckResult {
	return f.ch
}

type waiterMsgKind int

const (
	kindNewCheck waiterMsgKind = iota
	kindDeadline
	kindIdleSignal
)

type waiterMsg struct {
	kind waiterMsgKind
	id   uint64
	req  *checkRequest // only set for kindNewCheck
}

type checkRequest struct {
	packages    []string
	constraints Constraints
	timeout     time.Duration
	future      *checkFuture
}

type pendingCheck struct {
	packages    []string
	constraints Constraints
	future      *checkFuture
}

// ConstraintWaiter is a single-threaded cooperative worker,
// independent of and never sharing state with the Verifier worker,
// that defers a constraint check's completion until its predicates are
// satisfied, the device goes idle, or its deadline elapses.
type ConstraintWaiter struct {
	resolver installer.DependencyResolver
	device   installer.DeviceState

	idleProbeInterval time.Duration

	requests chan waiterMsg
	stop     chan struct{}

	nextID  uint64
	pending map[uint64]*pendingCheck
}

// NewConstraintWaiter builds a waiter bound to its collaborators. Call
// Run in its own goroutine before posting any checks.
func NewConstraintWaiter(resolver installer.DependencyResolver, device installer.DeviceState) *ConstraintWaiter {
	return &ConstraintWaiter{
		resolver:          resolver,
		device:            device,
		idleProbeInterval: defaultIdleProbeInterval,
		requests:          make(chan waiterMsg, 64),
		stop:              make(chan struct{}),
		pending:           make(map[uint64]*pendingCheck),
	}
}

func (w *ConstraintWaiter) Run() {
	for {
		select {
		case <-w.stop:
			return
		case msg := <-w.requests:
			w.handle(msg)
		}
	}
}

func (w *ConstraintWaiter) Stop() {
	close(w.stop)
}

// CheckConstraints is the waiter's sole entry point. The returned
// channel receives exactly one CheckResult.
func (w *ConstraintWaiter) CheckConstraints(packages []string, constraints Constraints, timeoutMs int64) <-chan CheckResult {
	timeout := clampTimeout(timeoutMs)
	if constraints.Has(ConstraintDeviceIdle) && timeout < w.idleProbeInterval {
		timeout = w.idleProbeInterval
	}

	future := newCheckFuture()
	w.requests <- waiterMsg{
		kind: kindNewCheck,
		req: &checkRequest{
			packages:    packages,
			constraints: constraints,
			timeout:     timeout,
			future:      future,
		},
	}
	return future.Result()
}

func clampTimeout(timeoutMs int64) time.Duration {
	if timeoutMs < 0 {
		return 0
	}
	d := time.Duration(timeoutMs) * time.Millisecond
	if d > oneWeek {
		return oneWeek
	}
	return d
}

func (w *ConstraintWaiter) handle(msg waiterMsg) {
	switch msg.kind {
	case kindNewCheck:
		w.handleNewCheck(msg.req)
	case kindDeadline:
		// The deadline completes the future with the current
		// evaluation, met or not. Re-check IsIdle rather than assuming
		// not-idle, in case the device went idle just before the
		// deadline fired and WatchIdle's poll hasn't caught up yet.
		w.resolve(msg.id, w.device.IsIdle())
	case kindIdleSignal:
		w.resolve(msg.id, true)
	}
}

func (w *ConstraintWaiter) handleNewCheck(req *checkRequest) {
	packages, err := w.resolver.ResolveDependencies(req.packages)
	if err != nil {
		log.Errorf("constraint waiter: resolve_dependencies failed, using requested package set: %s", err)
		packages = req.packages
	}

	if w.satisfied(packages, req.constraints, false) {
		req.future.complete(CheckResult{Satisfied: true})
		return
	}

	id := w.nextID
	w.nextID++
	w.pending[id] = &pendingCheck{packages: packages, constraints: req.constraints, future: req.future}

	w.scheduleDeadline(id, req.timeout)
	if req.constraints.Has(ConstraintDeviceIdle) {
		w.scheduleIdleProbe(id)
	}
}

// resolve completes the pending check's future if it hasn't already
// been resolved by the other race participant; whichever runs last
// finds the entry gone and is a no-op.
func (w *ConstraintWaiter) resolve(id uint64, isIdle bool) {
	pc, ok := w.pending[id]
	if !ok {
		return
	}
	delete(w.pending, id)
	pc.future.complete(CheckResult{Satisfied: w.satisfied(pc.packages, pc.constraints, isIdle)})
}

func (w *ConstraintWaiter) satisfied(packages []string, c Constraints, isIdle bool) bool {
	if c.Has(ConstraintDeviceIdle) && !isIdle {
		return false
	}
	if c.Has(ConstraintForegroundAbsent) && w.device.IsForegroundAny(packages) {
		return false
	}
	if c.Has(ConstraintInteractingAbsent) && w.device.IsInteractingAny(packages) {
		return false
	}
	if c.Has(ConstraintTopVisibleAbsent) && w.device.IsTopVisibleAny(packages) {
		return false
	}
	if c.Has(ConstraintInCallAbsent) && w.device.IsInCallAny(packages) {
		return false
	}
	return true
}

func (w *ConstraintWaiter) scheduleDeadline(id uint64, timeout time.Duration) {
	go func() {
		select {
		case <-time.After(timeout):
		case <-w.stop:
			return
		}
		select {
		case w.requests <- waiterMsg{kind: kindDeadline, id: id}:
		case <-w.stop:
		}
	}()
}

func (w *ConstraintWaiter) scheduleIdleProbe(id uint64) {
	go func() {
		select {
		case <-w.device.WatchIdle():
		case <-w.stop:
			return
		}
		select {
		case w.requests <- waiterMsg{kind: kindIdleSignal, id: id}:
		case <-w.stop:
		}
	}()
}
