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

	log "github.com/sirupsen/logrus"

	"github.com/northlake-systems/pkgstage/installer"
)

// Reconciler is the Boot Reconciler: on process start it classifies
// every persisted root session as apply, fail, resume or abandon.
// Replaying it against the same persisted state must always reach the
// same terminal state.
type Reconciler struct {
	Store    *Store
	Daemon   installer.ModuleDaemon
	Storage  installer.Storage
	Rollback installer.RollbackManager
	Power    installer.Power
	Journal  *Journal
	Verifier *Verifier
	Archive  *ArchiveCommitter
	Progress ProgressSink

	pendingMu         sync.Mutex
	pendingSuccessful []uint32
}

// ReconcileAll classifies every root session currently in the store.
// Called once at process start.
func (r *Reconciler) ReconcileAll() {
	for _, s := range r.Store.ListRoots() {
		r.reconcile(s)
	}
}

func (r *Reconciler) reconcile(s *Session) {
	if s.State.IsTerminal() {
		return
	}
	if s.State == StateDestroyed {
		r.abandon(s)
		return
	}
	if s.State != StateReady {
		// Not yet verified (or interrupted mid-verification); re-enter
		// the verifier pipeline from the top.
		r.Verifier.Commit(s.ID)
		return
	}

	r.reconcileReady(s)
}

func (r *Reconciler) reconcileReady(s *Session) {
	info, err := r.Daemon.GetStagedInfo(s.ID)
	if err != nil {
		log.Errorf("session %d: get_staged_info failed: %s", s.ID, err)
	}

	if info.NativeCrashToken != "" {
		// Not written to the journal on its own: the journal is a
		// single file, and a later failBootApply would overwrite it.
		// On the module activation-failure path,
		// activationFailureReason folds the token into the message
		// failBootApply writes. The other paths (re-verification,
		// safe-state revert, duplicate archive, archive commit
		// failure, successful apply) only log it here.
		log.Warnf("session %d: native crash token reported: %s", s.ID, info.NativeCrashToken)
	}

	if info.VerifiedNotActivated {
		// Reboot interrupted us after verification but before the
		// daemon learned about readiness; safe to retry from the top.
		r.Verifier.Commit(s.ID)
		return
	}

	supportsCheckpoint := r.Storage.SupportsCheckpoint()
	if supportsCheckpoint && !r.Storage.NeedsCheckpoint() {
		msg := "reverting to safe state"
		if reason, ok := r.Journal.ReadOnce(); ok {
			msg = msg + ": " + reason
		}
		r.failBootApply(s, FailureUnknown, msg)
		return
	}

	resolve := r.Store.Resolver()
	if s.ContainsModule(resolve) {
		if msg, failed := activationFailureReason(info); failed {
			r.failBootApply(s, FailureActivationFailed, msg)
			return
		}
	}

	if err := ValidateArchiveInModuleUniqueness(s, resolve, r.Daemon); err != nil {
		r.failBootApply(s, FailureActivationFailed, "duplicate archive in module")
		return
	}

	if s.InstallFlags.Has(FlagEnableRollback) || s.InstallReason == ReasonRollback {
		r.snapshotAndRestore(s, resolve)
	}

	if err := r.Archive.Commit(s); err != nil {
		msg := err.Error()
		if ie, ok := err.(installError); ok {
			msg = ie.Cause().Error()
		}
		r.failBootApply(s, FailureActivationFailed, msg)
		return
	}

	s.State = StateApplied
	r.Store.MarkDirty(s)
	r.Progress.SessionTerminal(s.ID, s.State, FailureNone)

	if supportsCheckpoint {
		r.pendingMu.Lock()
		r.pendingSuccessful = append(r.pendingSuccessful, s.ID)
		r.pendingMu.Unlock()
	} else if err := r.Daemon.MarkSuccessful(s.ID); err != nil {
		log.Errorf("session %d: mark_successful failed: %s", s.ID, err)
	}
}

// activationFailureReason maps the daemon's StagedInfo to a failure
// message. The returned bool is false when activation genuinely
// succeeded. A present native crash token is folded into the message.
func activationFailureReason(info installer.StagedInfo) (string, bool) {
	var msg string
	switch {
	case info.Unknown:
		msg = "daemon reports session unknown"
	case info.ActivationFailed:
		msg = "activation failed"
	case info.Reverted:
		msg = "module reverted"
	case info.RevertInProgress:
		msg = "module revert in progress"
	case info.RevertFailed:
		msg = "module revert failed"
	case !info.Activated:
		msg = "neither activated nor failed"
	default:
		return "", false
	}
	if info.NativeCrashToken != "" {
		msg = msg + " (native crash: " + info.NativeCrashToken + ")"
	}
	return msg, true
}

// snapshotAndRestore runs the rollback manager's user-data dance for
// every module in the session and for every archive the daemon reports
// inside each of those modules. Failures are logged and never block
// the boot-apply.
func (r *Reconciler) snapshotAndRestore(s *Session, resolve ChildResolver) {
	rollbackToken := ""
	if s.RollbackID != nil {
		rollbackToken = *s.RollbackID
	}

	restore := func(pkg string) {
		err := r.Rollback.SnapshotAndRestoreUser(pkg, []int{s.TargetUserID}, 0, 0, "", rollbackToken)
		if err != nil {
			log.Errorf("session %d: snapshot_and_restore_user(%s) failed: %s", s.ID, pkg, err)
		}
	}

	restoreModule := func(pkg string) {
		restore(pkg)
		archives, err := r.Daemon.ListArchivesIn(pkg)
		if err != nil {
			log.Errorf("session %d: list_archives_in(%s) failed: %s", s.ID, pkg, err)
			return
		}
		for _, name := range archives {
			restore(name)
		}
	}

	for _, id := range s.ModuleChildIDs(resolve) {
		if child, ok := resolve(id); ok {
			restoreModule(child.PackageName)
		}
	}
	if s.IsModule() {
		restoreModule(s.PackageName)
	}
}

// failBootApply writes the journal, fails the session, then
// best-effort unwinds any active module sessions and the checkpoint. A
// panic during that unwind triggers the last resort: revert module
// sessions and request an immediate reboot.
func (r *Reconciler) failBootApply(s *Session, code FailureCode, msg string) {
	r.Journal.WriteFailure(s.ID, msg)

	s.State = StateFailed
	s.FailureCode = code
	s.FailureMessage = msg
	r.Store.MarkDirty(s)
	r.Progress.SessionTerminal(s.ID, s.State, code)

	defer func() {
		if rec := recover(); rec != nil {
			log.Errorf("session %d: panic during checkpoint unwind, requesting emergency reboot: %v", s.ID, rec)
			_ = r.Daemon.RevertActive()
			_ = r.Power.Reboot("emergency revert after panic")
		}
	}()

	if !r.Storage.SupportsCheckpoint() || !r.Storage.NeedsCheckpoint() {
		return
	}

	if r.Daemon.IsSupported() && s.ContainsModule(r.Store.Resolver()) {
		if err := r.Daemon.RevertActive(); err != nil {
			log.Errorf("session %d: revert_active failed: %s", s.ID, err)
		}
	}
	if err := r.Storage.AbortChanges(msg, false); err != nil {
		log.Errorf("session %d: abort_changes failed: %s", s.ID, err)
	}
}

// abandon is the DESTROYED boot-time branch: the session is simply
// removed; the destroyed state was already set before reboot.
func (r *Reconciler) abandon(s *Session) {
	r.Store.Abort(s.ID)
}

// BootCompleted handles the boot-completed event: it delivers the
// deferred mark_successful calls queued by checkpoint-mode applies,
// logs any remaining failed-module telemetry, and clears the journal.
func (r *Reconciler) BootCompleted() {
	r.pendingMu.Lock()
	pending := r.pendingSuccessful
	r.pendingSuccessful = nil
	r.pendingMu.Unlock()

	for _, id := range pending {
		if err := r.Daemon.MarkSuccessful(id); err != nil {
			log.Errorf("session %d: deferred mark_successful failed: %s", id, err)
		}
	}

	if reason, ok := r.Journal.ReadOnce(); ok {
		log.Warnf("boot completed with a prior failed apply recorded: %s", reason)
	}

	r.Journal.Clear()
}
