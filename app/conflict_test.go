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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConflictChecker(store *Store, checkpointing bool) (*ConflictChecker, *FakeStorage, *FakeModuleDaemon) {
	storage := &FakeStorage{Checkpointing: checkpointing}
	daemon := NewFakeModuleDaemon()
	return &ConflictChecker{Store: store, Storage: storage, Daemon: daemon}, storage, daemon
}

func TestConflictCheckRejectsNoPackageName(t *testing.T) {
	st := NewStore(nil)
	c, _, _ := newConflictChecker(st, true)

	err := c.Check(&Session{ID: 1})
	require.Error(t, err)
	ie, ok := err.(installError)
	require.True(t, ok)
	assert.Equal(t, FailureInvalidApk, ie.Code())
}

func TestConflictCheckSamePackageAlreadyStaged(t *testing.T) {
	st := NewStore(nil)
	require.NoError(t, st.Create(&Session{ID: 1, PackageName: "com.example.a", State: StateVerifying}))
	c, _, _ := newConflictChecker(st, true)

	s := &Session{ID: 2, PackageName: "com.example.a"}
	err := c.Check(s)
	require.Error(t, err)
	assert.Equal(t, FailureOtherStagedInProgress, err.(installError).Code())
}

func TestConflictCheckRollbackPreemptsNonRollback(t *testing.T) {
	st := NewStore(nil)
	require.NoError(t, st.Create(&Session{ID: 1, PackageName: "com.example.a", State: StateVerifying}))
	c, _, daemon := newConflictChecker(st, true)

	s := &Session{ID: 2, PackageName: "com.example.a", InstallReason: ReasonRollback}
	err := c.Check(s)
	assert.NoError(t, err)

	preempted, ok := st.Get(1)
	require.True(t, ok)
	assert.Equal(t, StateFailed, preempted.State)
	assert.Equal(t, FailureConflict, preempted.FailureCode)
	assert.Contains(t, daemon.AbortedIDs, uint32(1))
}

func TestConflictCheckMultipleRootsWithoutCheckpointRejected(t *testing.T) {
	st := NewStore(nil)
	require.NoError(t, st.Create(&Session{ID: 1, PackageName: "com.example.a", State: StateVerifying}))
	c, _, _ := newConflictChecker(st, false)

	s := &Session{ID: 2, PackageName: "com.example.b"}
	err := c.Check(s)
	require.Error(t, err)
	assert.Equal(t, FailureOtherStagedInProgress, err.(installError).Code())
}

func TestConflictCheckMultipleRootsAllowedWithCheckpoint(t *testing.T) {
	st := NewStore(nil)
	require.NoError(t, st.Create(&Session{ID: 1, PackageName: "com.example.a", State: StateVerifying}))
	c, _, _ := newConflictChecker(st, true)

	s := &Session{ID: 2, PackageName: "com.example.b"}
	assert.NoError(t, c.Check(s))
}

func TestConflictCheckRecommitIsIdempotent(t *testing.T) {
	st := NewStore(nil)
	s := &Session{ID: 1, PackageName: "com.example.a", State: StateVerifying}
	require.NoError(t, st.Create(s))
	c, _, _ := newConflictChecker(st, false)

	assert.NoError(t, c.Check(s))
}
