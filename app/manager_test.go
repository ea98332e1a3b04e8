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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, store *Store) (*Manager, *FakeModuleDaemon) {
	daemon := NewFakeModuleDaemon()
	storage := &FakeStorage{Checkpointing: true}
	verifier := NewVerifier(store, daemon, storage, &FakeRollbackManager{}, &FakeSignatureVerifier{}, &FakeArchiveInstaller{}, nil, 0)
	go verifier.Run()
	t.Cleanup(verifier.Stop)

	waiter := NewConstraintWaiter(&FakeDependencyResolver{}, &FakeDeviceState{})
	conflict := &ConflictChecker{Store: store, Storage: storage, Daemon: daemon}
	return NewManager(store, conflict, verifier, waiter, daemon), daemon
}

func TestCommitSessionChecksEachChildOfAParentNotTheWrapperItself(t *testing.T) {
	st := NewStore(nil)
	// An existing staged session for package b blocks a new commit of
	// the same package, but a PARENT wrapper carries no package name of
	// its own and must not be checked directly (the bug this guards).
	require.NoError(t, st.Create(&Session{ID: 10, PackageName: "com.example.b", State: StateVerifying}))
	require.NoError(t, st.Create(&Session{ID: 2, PackageName: "com.example.a", HasParent: true, ParentID: 1}))
	require.NoError(t, st.Create(&Session{ID: 3, PackageName: "com.example.b", HasParent: true, ParentID: 1}))
	require.NoError(t, st.Create(&Session{ID: 1, ChildSessionIDs: []uint32{2, 3}}))

	m, _ := newTestManager(t, st)

	err := m.CommitSession(1)
	require.Error(t, err, "child 3 collides with already-staged package b")
	assert.Equal(t, FailureOtherStagedInProgress, err.(installError).Code())
}

func TestCommitSessionNonParentChecksItself(t *testing.T) {
	st := NewStore(nil)
	require.NoError(t, st.Create(&Session{ID: 1, PackageName: "com.example.a", State: StateCreated}))
	m, _ := newTestManager(t, st)

	assert.NoError(t, m.CommitSession(1))
}

func TestCommitSessionUnknownID(t *testing.T) {
	st := NewStore(nil)
	m, _ := newTestManager(t, st)

	err := m.CommitSession(42)
	require.Error(t, err)
	assert.Equal(t, FailureUnknown, err.(installError).Code())
}

func TestMarkDestroyedThenAbortCommittedSession(t *testing.T) {
	st := NewStore(nil)
	require.NoError(t, st.Create(&Session{ID: 1, PackageName: "com.example.a", State: StateReady}))
	m, daemon := newTestManager(t, st)

	require.NoError(t, m.MarkDestroyed(1))
	s, ok := st.Get(1)
	require.True(t, ok)
	assert.Equal(t, StateDestroyed, s.State)

	// abort_committed_session only best-effort aborts the daemon when
	// the session was READY at the time of the check, not DESTROYED;
	// MarkDestroyed must run before reading state, not change the
	// branch taken here.
	m.AbortCommittedSession(1)
	_, ok = st.Get(1)
	assert.False(t, ok)
	assert.Empty(t, daemon.AbortedIDs)
}

func TestManagerCommitSessionEndToEndReachesReady(t *testing.T) {
	st := NewStore(nil)
	require.NoError(t, st.Create(&Session{ID: 1, PackageName: "com.example.a", State: StateCreated}))
	m, _ := newTestManager(t, st)

	require.NoError(t, m.CommitSession(1))

	require.Eventually(t, func() bool {
		s, _ := st.Get(1)
		return s.State == StateVerifying
	}, time.Second, 5*time.Millisecond, "session should park awaiting archive verification")

	m.NotifyVerificationComplete(1)

	require.Eventually(t, func() bool {
		s, _ := st.Get(1)
		return s.State == StateReady
	}, time.Second, 5*time.Millisecond)
}
