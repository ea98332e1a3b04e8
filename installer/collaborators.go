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

// Package installer defines the narrow interfaces the Staged Install
// Manager uses to reach its external collaborators: the module daemon,
// the filesystem checkpoint service, the rollback manager, the archive
// installer, the signature verifier and the power manager. None of
// these are implemented in full here; they are separate, privileged
// processes, and only the contract the core relies on is in scope.
// What ships here are thin clients: D-Bus clients for the
// out-of-process daemons, an exec-based signature verifier, and a
// reboot-command power adapter. Test fakes live with the tests.
package installer

import "io"

// Capability is the signing-capability check the MODULES stage
// performs between a new and an active container signature.
type Capability int

const (
	CapabilityInstalledData Capability = iota
	CapabilityRollback
)

// SigningDetails is the result of parsing one container's signature.
// hasCapability is asymmetric: a.HasCapability(b, cap) asks "does a's
// signer grant cap against b's identity".
type SigningDetails interface {
	HasCapability(other SigningDetails, cap Capability) bool
	SignerIdentity() string
}

// SignatureVerifier parses a container's signature at a given minimum
// scheme version. A pure function of its input path; failures are
// parse errors, never state mutation.
type SignatureVerifier interface {
	Verify(containerPath string, minScheme int) (SigningDetails, error)
}

// InstalledModule describes the module daemon's view of the package
// currently resolvable for a given name.
type InstalledModule struct {
	PackageName      string
	LongVersion      int64
	TargetSDK        int
	ContainerSigPath string
	Debuggable       bool
}

// ModuleDescriptor is one entry the module daemon returns from Submit,
// describing a module package pending activation.
type ModuleDescriptor struct {
	PackageName      string
	LongVersion      int64
	TargetSDK        int
	ContainerSigPath string
}

// StagedInfo is the module daemon's report on a previously submitted
// session, consulted by the boot reconciler.
type StagedInfo struct {
	Known                bool
	Activated            bool
	ActivationFailed     bool
	Unknown              bool
	Reverted             bool
	RevertInProgress     bool
	RevertFailed         bool
	VerifiedNotActivated bool
	NativeCrashToken     string // empty if no crash recorded
}

// ModuleDaemon is the separate privileged service that activates
// modules across reboot. The Staged Install Manager never
// writes module content to disk itself; it only submits, polls and
// aborts sessions against this collaborator.
type ModuleDaemon interface {
	IsSupported() bool
	Submit(sessionID uint32, moduleChildIDs []uint32, isRollback bool, rollbackID string) ([]ModuleDescriptor, error)
	InstalledModule(packageName string) (InstalledModule, bool, error)
	MarkStagedReady(sessionID uint32) error
	MarkSuccessful(sessionID uint32) error
	AbortStaged(sessionID uint32) error
	RevertActive() error
	GetStagedInfo(sessionID uint32) (StagedInfo, error)
	ListArchivesIn(packageName string) ([]string, error)
	// IsArchiveInstallOK reports whether an ordinary archive install
	// of packageName is permitted, i.e. would not shadow an archive
	// embedded in an active module.
	IsArchiveInstallOK(packageName string) (bool, error)
	PruneStaleCaches(packages []string)
}

// Storage is the filesystem checkpoint service: a state in
// which writes are provisional and can be wholesale reverted by a
// reboot. The Staged Install Manager only ever asks whether checkpoint
// mode is available/active and requests a checkpoint or an abort; it
// never implements checkpointing itself.
type Storage interface {
	SupportsCheckpoint() bool
	NeedsCheckpoint() bool
	StartCheckpoint(retryLimit int) error
	AbortChanges(reason string, retry bool) error
}

// RollbackManager issues rollback ids for enabled-rollback installs
// and performs the data snapshot/restore dance around module
// activation. All failures are logged and non-fatal to the install;
// the asymmetry with the fatal CommittedRollbackID lookup path is
// intentional.
type RollbackManager interface {
	NotifyStaged(sessionID uint32) (rollbackID string, err error)
	NotifyStagedArchive(stagedSessionID, archiveSessionID uint32) error
	SnapshotAndRestoreUser(pkg string, userIDs []int, appID int, ceDataInode int64, seInfo, rollbackToken string) error
	RecentlyCommitted() ([]string, error)
	// CommittedRollbackID looks up the rollback id committed for a
	// package, consulted when InstallReason is ReasonRollback.
	CommittedRollbackID(packageName string) (string, bool)
}

// ArchiveCommitResult is delivered once, asynchronously, through the
// one-shot receiver Commit() returns.
type ArchiveCommitResult struct {
	SessionID uint32
	Success   bool
	Err       error
}

// ArchiveInstaller is the standard installer that writes ordinary
// application archives to disk. Only its calling contract matters
// here; the installer itself is a separate service.
type ArchiveInstaller interface {
	CreateSession(parentPackageName, installerIdentity string, flags uint32, userID int) (sessionID uint32, err error)
	// AddChild attaches an already-created child session to a parent
	// installer session, used by the multi-package archive commit
	// path.
	AddChild(parentSessionID, childSessionID uint32) error
	Write(sessionID uint32, file string, offset, length int64, r io.Reader) error
	// Commit starts an asynchronous commit and returns a channel that
	// receives exactly one ArchiveCommitResult.
	Commit(sessionID uint32) (<-chan ArchiveCommitResult, error)
	// RequestVerification asks the installer to verify the named
	// archive sessions; its result arrives later, out of band, as a
	// verification_complete callback.
	RequestVerification(sessionID uint32, archiveSessionIDs []uint32) error
}

// Power is the fire-and-forget reboot collaborator.
type Power interface {
	Reboot(reason string) error
}

// DependencyResolver expands a requested package set to the effective
// set the Constraint Waiter must evaluate predicates over. Failure
// falls back to the caller's own package list.
type DependencyResolver interface {
	ResolveDependencies(packages []string) ([]string, error)
}

// DeviceState answers the device/app predicates the Constraint
// Waiter's satisfaction check ANDs together. WatchIdle returns
// a channel that fires once, the next time the device transitions to
// idle; it is not a polling handle and is only ever read once per
// pending check.
type DeviceState interface {
	IsIdle() bool
	WatchIdle() <-chan struct{}
	IsForegroundAny(packages []string) bool
	IsInteractingAny(packages []string) bool
	IsTopVisibleAny(packages []string) bool
	IsInCallAny(packages []string) bool
}
