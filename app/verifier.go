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
	log "github.com/sirupsen/logrus"

	"github.com/northlake-systems/pkgstage/installer"
)

// baselineSigningScheme is the scheme version the active, already
// installed container signature is parsed at.
const baselineSigningScheme = 1

// checkpointRetryLimit bounds the storage collaborator's checkpoint
// start attempt.
const checkpointRetryLimit = 3

// verifierMsg is one message on the verifier worker's queue. Within
// one session, messages execute in pipeline order; kindCommit drives
// START and MODULES, and either falls through to END directly or
// parks on ARCHIVES until a matching kindArchiveVerified message
// arrives.
type verifierMsg struct {
	kind      verifierMsgKind
	sessionID uint32
}

type verifierMsgKind int

const (
	kindCommit verifierMsgKind = iota
	kindArchiveVerified
)

// Verifier is the Pre-Reboot Verifier: a four-stage pipeline
// (START -> MODULES -> ARCHIVES -> END) run on a single dedicated
// worker goroutine. It never blocks that goroutine on the
// archive verifier's asynchronous callback; instead it parks the
// session and resumes it when NotifyVerificationComplete posts a
// follow-up message onto the same queue.
type Verifier struct {
	store     *Store
	daemon    installer.ModuleDaemon
	storage   installer.Storage
	rollback  installer.RollbackManager
	signature installer.SignatureVerifier
	archive   installer.ArchiveInstaller
	progress  ProgressSink

	minSchemeTargetSDKThreshold int

	requests chan verifierMsg
	stop     chan struct{}
}

// NewVerifier builds a Verifier bound to its collaborators. Call Run
// in its own goroutine before posting any messages.
func NewVerifier(
	store *Store,
	daemon installer.ModuleDaemon,
	storage installer.Storage,
	rollback installer.RollbackManager,
	signature installer.SignatureVerifier,
	archive installer.ArchiveInstaller,
	progress ProgressSink,
	minSchemeTargetSDKThreshold int,
) *Verifier {
	if progress == nil {
		progress = NoopProgressSink{}
	}
	return &Verifier{
		store:                       store,
		daemon:                      daemon,
		storage:                     storage,
		rollback:                    rollback,
		signature:                   signature,
		archive:                     archive,
		progress:                    progress,
		minSchemeTargetSDKThreshold: minSchemeTargetSDKThreshold,
		requests:                    make(chan verifierMsg, 64),
		stop:                        make(chan struct{}),
	}
}

// Run is the cooperative single-threaded worker loop.
func (v *Verifier) Run() {
	for {
		select {
		case <-v.stop:
			return
		case msg := <-v.requests:
			v.handle(msg)
		}
	}
}

// Stop terminates the worker loop after its current message finishes.
func (v *Verifier) Stop() {
	close(v.stop)
}

// Commit enqueues a freshly committed session for verification, after
// the conflict check passes.
func (v *Verifier) Commit(sessionID uint32) {
	v.requests <- verifierMsg{kind: kindCommit, sessionID: sessionID}
}

// NotifyVerificationComplete is the archive verifier's callback; it
// resumes a session parked in ARCHIVES.
func (v *Verifier) NotifyVerificationComplete(sessionID uint32) {
	v.requests <- verifierMsg{kind: kindArchiveVerified, sessionID: sessionID}
}

func (v *Verifier) handle(msg verifierMsg) {
	s, ok := v.store.Get(msg.sessionID)
	if !ok {
		log.Warnf("verifier: session %d not found, dropping message", msg.sessionID)
		return
	}

	// A destroyed session short-circuits to completion without further
	// collaborator calls; a terminal one is never re-verified.
	if s.State == StateDestroyed || s.State.IsTerminal() {
		return
	}

	// stageErr is what a stage reports to the progress sink: nil
	// unless the stage left the session FAILED.
	stageErr := func() error {
		if s.State == StateFailed {
			return NewInstallErrorf(s.FailureCode, "%s", s.FailureMessage)
		}
		return nil
	}

	switch msg.kind {
	case kindCommit:
		s.State = StateVerifying
		v.store.MarkDirty(s)

		v.progress.StageEntered(s.ID, "START")
		v.runStart(s)
		v.progress.StageCompleted(s.ID, "START", stageErr())
		if s.State == StateFailed {
			return
		}

		v.progress.StageEntered(s.ID, "MODULES")
		v.runModules(s)
		v.progress.StageCompleted(s.ID, "MODULES", stageErr())
		if s.State == StateFailed {
			return
		}

		if v.needsArchiveVerification(s) {
			v.progress.StageEntered(s.ID, "ARCHIVES")
			v.requestArchiveVerification(s)
			return // resumes on kindArchiveVerified
		}
		v.runEnd(s)

	case kindArchiveVerified:
		v.progress.StageCompleted(s.ID, "ARCHIVES", nil)
		if s.State == StateFailed {
			return
		}
		v.runEnd(s)
	}
}

// runStart resolves the session's rollback id (START stage).
func (v *Verifier) runStart(s *Session) {
	if s.InstallFlags.Has(FlagEnableRollback) {
		rollbackID, err := v.rollback.NotifyStaged(s.ID)
		if err != nil {
			// Non-fatal: the install proceeds with no rollback id. A
			// missing committed rollback id for ReasonRollback below is
			// fatal; the two are deliberately not symmetric.
			log.Errorf("session %d: notify_staged failed, proceeding without rollback id: %s", s.ID, err)
		} else if rollbackID != "" {
			s.RollbackID = &rollbackID
		}
	}

	if s.InstallReason == ReasonRollback {
		rollbackID, found := v.rollback.CommittedRollbackID(s.PackageName)
		if !found {
			v.fail(s, FailureVerificationFailed, "no rollback id")
			return
		}
		s.RollbackID = &rollbackID
	}

	v.store.MarkDirty(s)
}

// runModules submits the session's module children to the daemon and
// runs the per-descriptor checks (MODULES stage).
func (v *Verifier) runModules(s *Session) {
	resolve := v.store.Resolver()
	if !s.ContainsModule(resolve) {
		return
	}

	rollbackID := ""
	if s.RollbackID != nil {
		rollbackID = *s.RollbackID
	}

	descriptors, err := v.daemon.Submit(
		s.ID,
		s.ModuleChildIDs(resolve),
		s.InstallReason == ReasonRollback,
		rollbackID,
	)
	if err != nil {
		v.fail(s, FailureVerificationFailed, "module daemon submit failed: "+err.Error())
		return
	}

	packageNames := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		packageNames = append(packageNames, d.PackageName)

		installed, found, err := v.daemon.InstalledModule(d.PackageName)
		if err != nil || !found {
			v.fail(s, FailureVerificationFailed, "new modules forbidden")
			return
		}

		if s.RequiredInstalledVersion != nil && *s.RequiredInstalledVersion != installed.LongVersion {
			v.fail(s, FailureVerificationFailed, "required installed version mismatch for "+d.PackageName)
			return
		}

		if d.LongVersion < installed.LongVersion &&
			!s.InstallFlags.Has(FlagAllowDowngrade) && !installed.Debuggable {
			v.fail(s, FailureVerificationFailed, "Downgrade of module "+d.PackageName+" not allowed")
			return
		}

		if err := v.checkSignatureCompatibility(d, installed); err != nil {
			v.fail(s, FailureVerificationFailed, err.Error())
			return
		}
	}

	v.daemon.PruneStaleCaches(packageNames)
}

func (v *Verifier) checkSignatureCompatibility(d installer.ModuleDescriptor, installed installer.InstalledModule) error {
	minScheme := v.schemeForTargetSDK(d.TargetSDK)

	newSig, err := v.signature.Verify(d.ContainerSigPath, minScheme)
	if err != nil {
		return err
	}
	activeSig, err := v.signature.Verify(installed.ContainerSigPath, baselineSigningScheme)
	if err != nil {
		return err
	}

	if newSig.HasCapability(activeSig, installer.CapabilityInstalledData) {
		return nil
	}
	if activeSig.HasCapability(newSig, installer.CapabilityRollback) {
		return nil
	}
	return errIncompatibleSignature{pkg: d.PackageName}
}

// schemeForTargetSDK maps a target SDK to the minimum signing scheme
// it must carry. The verifier collaborator owns the real scheme
// policy; this threshold only picks which floor to request.
func (v *Verifier) schemeForTargetSDK(targetSDK int) int {
	if v.minSchemeTargetSDKThreshold > 0 && targetSDK >= v.minSchemeTargetSDKThreshold {
		return baselineSigningScheme + 1
	}
	return baselineSigningScheme
}

type errIncompatibleSignature struct {
	pkg string
}

func (e errIncompatibleSignature) Error() string {
	return "incompatible signature for " + e.pkg
}

// needsArchiveVerification reports whether the ARCHIVES stage applies.
func (v *Verifier) needsArchiveVerification(s *Session) bool {
	return s.ContainsArchive(v.store.Resolver())
}

// archiveIDsFor returns the child session ids the archive installer
// should verify, or [s.ID] itself when s is a non-multi archive.
func archiveIDsFor(s *Session, resolve ChildResolver) []uint32 {
	if s.IsMulti() {
		return s.ArchiveChildIDs(resolve)
	}
	if !s.IsModule() {
		return []uint32{s.ID}
	}
	return nil
}

func (v *Verifier) requestArchiveVerification(s *Session) {
	ids := archiveIDsFor(s, v.store.Resolver())
	if err := v.archive.RequestVerification(s.ID, ids); err != nil {
		v.fail(s, FailureVerificationFailed, "archive verification request failed: "+err.Error())
	}
}

// runEnd starts the filesystem checkpoint and flips VERIFYING -> READY
// (END stage). The local state flip happens strictly before the daemon
// is told: if the device reboots in between, the boot reconciler
// observes a READY-but-not-daemon-ready session and fails it safely,
// rather than risking "modules activated, archives missed". Do not
// invert this ordering.
func (v *Verifier) runEnd(s *Session) {
	v.progress.StageEntered(s.ID, "END")
	if err := v.storage.StartCheckpoint(checkpointRetryLimit); err != nil {
		v.fail(s, FailureUnknown, "no storage")
		v.progress.StageCompleted(s.ID, "END", err)
		return
	}

	s.State = StateReady
	v.store.MarkDirty(s)

	if s.ContainsModule(v.store.Resolver()) {
		if err := v.daemon.MarkStagedReady(s.ID); err != nil {
			v.fail(s, FailureActivationFailed, "mark_staged_ready failed: "+err.Error())
			v.progress.StageCompleted(s.ID, "END", err)
			return
		}
	}

	v.progress.StageCompleted(s.ID, "END", nil)
}

// fail aborts the daemon's in-progress session best-effort, then makes
// the terminal FAILED transition.
func (v *Verifier) fail(s *Session, code FailureCode, msg string) {
	if err := v.daemon.AbortStaged(s.ID); err != nil {
		log.Errorf("session %d: abort_staged during failure handling failed: %s", s.ID, err)
	}
	s.State = StateFailed
	s.FailureCode = code
	s.FailureMessage = msg
	v.store.MarkDirty(s)
	v.progress.SessionTerminal(s.ID, s.State, s.FailureCode)
}

// ValidateArchiveInModuleUniqueness is the duplicate-archive-in-module
// check, run by the boot reconciler after modules activate. Every
// archive reported inside an activated module must not collide with
// the names of the session's own archive-only children.
func ValidateArchiveInModuleUniqueness(s *Session, resolve ChildResolver, daemon installer.ModuleDaemon) error {
	seen := make(map[string]struct{})
	for _, id := range s.ArchiveChildIDs(resolve) {
		if child, ok := resolve(id); ok {
			seen[child.PackageName] = struct{}{}
		}
	}

	for _, id := range s.ModuleChildIDs(resolve) {
		child, ok := resolve(id)
		if !ok {
			continue
		}
		archives, err := daemon.ListArchivesIn(child.PackageName)
		if err != nil {
			log.Errorf("session %d: list_archives_in(%s) failed: %s", s.ID, child.PackageName, err)
			continue
		}
		for _, name := range archives {
			if _, exists := seen[name]; exists {
				return NewInstallErrorf(FailureActivationFailed, "duplicate archive in module")
			}
			seen[name] = struct{}{}
		}
	}
	return nil
}
