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
	"io"

	"github.com/northlake-systems/pkgstage/installer"
)

// FakeModuleDaemon is a hand-rolled collaborator fake: a plain struct
// with canned return/error fields rather than a generated mock.
type FakeModuleDaemon struct {
	Supported bool

	Descriptors   []installer.ModuleDescriptor
	SubmitErr     error
	Installed     map[string]installer.InstalledModule
	AbortedIDs    []uint32
	MarkedReady   []uint32
	MarkedSuccess []uint32
	RevertErr     error
	StagedInfo    installer.StagedInfo
	Archives      map[string][]string

	ArchiveInstallBlocked []string
}

func NewFakeModuleDaemon() *FakeModuleDaemon {
	return &FakeModuleDaemon{
		Supported: true,
		Installed: make(map[string]installer.InstalledModule),
		Archives:  make(map[string][]string),
	}
}

func (f *FakeModuleDaemon) IsSupported() bool { return f.Supported }

func (f *FakeModuleDaemon) Submit(sessionID uint32, moduleChildIDs []uint32, isRollback bool, rollbackID string) ([]installer.ModuleDescriptor, error) {
	return f.Descriptors, f.SubmitErr
}

func (f *FakeModuleDaemon) InstalledModule(packageName string) (installer.InstalledModule, bool, error) {
	m, ok := f.Installed[packageName]
	return m, ok, nil
}

func (f *FakeModuleDaemon) MarkStagedReady(sessionID uint32) error {
	f.MarkedReady = append(f.MarkedReady, sessionID)
	return nil
}

func (f *FakeModuleDaemon) MarkSuccessful(sessionID uint32) error {
	f.MarkedSuccess = append(f.MarkedSuccess, sessionID)
	return nil
}

func (f *FakeModuleDaemon) AbortStaged(sessionID uint32) error {
	f.AbortedIDs = append(f.AbortedIDs, sessionID)
	return nil
}

func (f *FakeModuleDaemon) RevertActive() error { return f.RevertErr }

func (f *FakeModuleDaemon) GetStagedInfo(sessionID uint32) (installer.StagedInfo, error) {
	return f.StagedInfo, nil
}

func (f *FakeModuleDaemon) ListArchivesIn(packageName string) ([]string, error) {
	return f.Archives[packageName], nil
}

func (f *FakeModuleDaemon) IsArchiveInstallOK(packageName string) (bool, error) {
	for _, blocked := range f.ArchiveInstallBlocked {
		if blocked == packageName {
			return false, nil
		}
	}
	return true, nil
}

func (f *FakeModuleDaemon) PruneStaleCaches(packages []string) {}

// FakeStorage fakes the filesystem checkpoint service.
type FakeStorage struct {
	Checkpointing bool
	NeedsCkpt     bool
	StartErr      error
	AbortErr      error
	AbortedReason string
}

func (f *FakeStorage) SupportsCheckpoint() bool             { return f.Checkpointing }
func (f *FakeStorage) NeedsCheckpoint() bool                { return f.NeedsCkpt }
func (f *FakeStorage) StartCheckpoint(retryLimit int) error { return f.StartErr }
func (f *FakeStorage) AbortChanges(reason string, retry bool) error {
	f.AbortedReason = reason
	return f.AbortErr
}

// FakeRollbackManager fakes the rollback manager.
type FakeRollbackManager struct {
	RollbackID      string
	NotifyStagedErr error
	CommittedIDs    map[string]string
	SnapshotCalls   int
	SnapshotErr     error
}

func (f *FakeRollbackManager) NotifyStaged(sessionID uint32) (string, error) {
	return f.RollbackID, f.NotifyStagedErr
}

func (f *FakeRollbackManager) NotifyStagedArchive(stagedSessionID, archiveSessionID uint32) error {
	return nil
}

func (f *FakeRollbackManager) SnapshotAndRestoreUser(pkg string, userIDs []int, appID int, ceDataInode int64, seInfo, rollbackToken string) error {
	f.SnapshotCalls++
	return f.SnapshotErr
}

func (f *FakeRollbackManager) RecentlyCommitted() ([]string, error) { return nil, nil }

func (f *FakeRollbackManager) CommittedRollbackID(packageName string) (string, bool) {
	if f.CommittedIDs == nil {
		return "", false
	}
	id, ok := f.CommittedIDs[packageName]
	return id, ok
}

// FakeSignatureVerifier always reports compatible signatures unless
// told otherwise.
type FakeSignatureVerifier struct {
	Err     error
	Details map[string]installer.SigningDetails
}

func (f *FakeSignatureVerifier) Verify(containerPath string, minScheme int) (installer.SigningDetails, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	if d, ok := f.Details[containerPath]; ok {
		return d, nil
	}
	return fakeSigningDetails{compatible: true}, nil
}

type fakeSigningDetails struct {
	compatible bool
	identity   string
}

func (d fakeSigningDetails) HasCapability(other installer.SigningDetails, cap installer.Capability) bool {
	return d.compatible
}

func (d fakeSigningDetails) SignerIdentity() string { return d.identity }

// FakeArchiveInstaller fakes the ordinary archive installer.
type FakeArchiveInstaller struct {
	NextSessionID       uint32
	CreateErr           error
	CommitSuccess       bool
	CommitErr           error
	VerificationErr     error
	RequestedSessionID  uint32
	RequestedArchiveIDs []uint32
	Children            map[uint32][]uint32
}

func (f *FakeArchiveInstaller) CreateSession(parentPackageName, installerIdentity string, flags uint32, userID int) (uint32, error) {
	if f.CreateErr != nil {
		return 0, f.CreateErr
	}
	f.NextSessionID++
	return f.NextSessionID, nil
}

func (f *FakeArchiveInstaller) AddChild(parentSessionID, childSessionID uint32) error {
	if f.Children == nil {
		f.Children = make(map[uint32][]uint32)
	}
	f.Children[parentSessionID] = append(f.Children[parentSessionID], childSessionID)
	return nil
}

func (f *FakeArchiveInstaller) Write(sessionID uint32, file string, offset, length int64, r io.Reader) error {
	return nil
}

func (f *FakeArchiveInstaller) Commit(sessionID uint32) (<-chan installer.ArchiveCommitResult, error) {
	if f.CommitErr != nil {
		return nil, f.CommitErr
	}
	ch := make(chan installer.ArchiveCommitResult, 1)
	ch <- installer.ArchiveCommitResult{SessionID: sessionID, Success: f.CommitSuccess}
	return ch, nil
}

func (f *FakeArchiveInstaller) RequestVerification(sessionID uint32, archiveSessionIDs []uint32) error {
	f.RequestedSessionID = sessionID
	f.RequestedArchiveIDs = archiveSessionIDs
	return f.VerificationErr
}

// FakeDependencyResolver fakes the constraint waiter's dependency
// expansion.
type FakeDependencyResolver struct {
	Expanded []string
	Err      error
}

func (f *FakeDependencyResolver) ResolveDependencies(packages []string) ([]string, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	if f.Expanded != nil {
		return f.Expanded, nil
	}
	return packages, nil
}

// FakeDeviceState fakes the device/app-state predicates.
type FakeDeviceState struct {
	Idle        bool
	IdleCh      chan struct{}
	Foreground  bool
	Interacting bool
	TopVisible  bool
	InCall      bool
}

func (f *FakeDeviceState) IsIdle() bool { return f.Idle }

func (f *FakeDeviceState) WatchIdle() <-chan struct{} {
	if f.IdleCh == nil {
		f.IdleCh = make(chan struct{})
	}
	return f.IdleCh
}

func (f *FakeDeviceState) IsForegroundAny(packages []string) bool  { return f.Foreground }
func (f *FakeDeviceState) IsInteractingAny(packages []string) bool { return f.Interacting }
func (f *FakeDeviceState) IsTopVisibleAny(packages []string) bool  { return f.TopVisible }
func (f *FakeDeviceState) IsInCallAny(packages []string) bool      { return f.InCall }

// FakePower fakes the reboot collaborator, recording the request
// instead of actually blocking for ten minutes.
type FakePower struct {
	Reason string
	Err    error
}

func (f *FakePower) Reboot(reason string) error {
	f.Reason = reason
	return f.Err
}
