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

func TestStoreCreateDuplicateID(t *testing.T) {
	st := NewStore(nil)
	require.NoError(t, st.Create(&Session{ID: 1}))

	err := st.Create(&Session{ID: 1})
	assert.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestStoreGetAbort(t *testing.T) {
	st := NewStore(nil)
	require.NoError(t, st.Create(&Session{ID: 7, PackageName: "com.example.a"}))

	s, ok := st.Get(7)
	require.True(t, ok)
	assert.Equal(t, "com.example.a", s.PackageName)

	st.Abort(7)
	_, ok = st.Get(7)
	assert.False(t, ok)
}

func TestStoreListCommittedExcludesCreatedTerminalAndDestroyed(t *testing.T) {
	st := NewStore(nil)
	require.NoError(t, st.Create(&Session{ID: 1, State: StateCreated}))
	require.NoError(t, st.Create(&Session{ID: 2, State: StateVerifying}))
	require.NoError(t, st.Create(&Session{ID: 3, State: StateApplied}))
	require.NoError(t, st.Create(&Session{ID: 4, State: StateDestroyed}))
	require.NoError(t, st.Create(&Session{ID: 5, State: StateReady}))

	committed := st.ListCommitted()
	ids := make(map[uint32]bool)
	for _, s := range committed {
		ids[s.ID] = true
	}
	assert.Equal(t, map[uint32]bool{2: true, 5: true}, ids)
}

func TestStoreListActiveNonParentSkipsParentsAndOrphans(t *testing.T) {
	st := NewStore(nil)
	require.NoError(t, st.Create(&Session{ID: 1, State: StateVerifying, ChildSessionIDs: []uint32{2}}))
	require.NoError(t, st.Create(&Session{ID: 2, State: StateVerifying, HasParent: true, ParentID: 1}))
	require.NoError(t, st.Create(&Session{ID: 3, State: StateVerifying, HasParent: true, ParentID: 99}))

	active := st.ListActiveNonParent()
	require.Len(t, active, 1)
	assert.Equal(t, uint32(2), active[0].ID)
}

func TestStoreRootResolvesToParent(t *testing.T) {
	st := NewStore(nil)
	require.NoError(t, st.Create(&Session{ID: 1, ChildSessionIDs: []uint32{2}}))
	require.NoError(t, st.Create(&Session{ID: 2, HasParent: true, ParentID: 1}))

	child, _ := st.Get(2)
	root := st.Root(child)
	assert.Equal(t, uint32(1), root.ID)
}

func TestStoreRestoreForceFailsOnDeviceUpgrade(t *testing.T) {
	st := NewStore(nil)
	s := &Session{ID: 5, State: StateReady}
	st.Restore(s, true)

	restored, ok := st.Get(5)
	require.True(t, ok)
	assert.Equal(t, StateFailed, restored.State)
	assert.Equal(t, FailureActivationFailed, restored.FailureCode)
}

func TestStoreRestorePreservesTerminalState(t *testing.T) {
	st := NewStore(nil)
	s := &Session{ID: 5, State: StateApplied}
	st.Restore(s, true)

	restored, _ := st.Get(5)
	assert.Equal(t, StateApplied, restored.State)
}
