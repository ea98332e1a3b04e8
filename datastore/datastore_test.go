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
package datastore

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/northlake-systems/pkgstage/app"
	"github.com/northlake-systems/pkgstage/store"
)

func TestPersisterMarkDirtyAndLoadAll(t *testing.T) {
	backing := store.NewMemStore()
	p := NewPersister(backing)

	s := &app.Session{ID: 105, PackageName: "com.example.app"}
	assert.NoError(t, p.MarkDirty(s))

	loaded, err := p.LoadAll()
	assert.NoError(t, err)
	assert.Len(t, loaded, 1)
	assert.Equal(t, uint32(105), loaded[0].ID)
	assert.Equal(t, "com.example.app", loaded[0].PackageName)

	assert.NoError(t, p.Delete(105))
	loaded, err = p.LoadAll()
	assert.NoError(t, err)
	assert.Len(t, loaded, 0)
}

func TestPersisterLoadAllEmptyIndex(t *testing.T) {
	p := NewPersister(store.NewMemStore())

	loaded, err := p.LoadAll()
	assert.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestPersisterLoadAllSkipsMissingRecord(t *testing.T) {
	mstore := &store.MockStore{}
	mstore.On("ReadAll", SessionIndexKey).Return([]byte(`[105,106]`), nil)
	mstore.On("ReadAll", sessionKey(105)).Return(nil, os.ErrNotExist)
	mstore.On("ReadAll", sessionKey(106)).Return([]byte(`{"ID":106}`), nil)

	p := NewPersister(mstore)
	loaded, err := p.LoadAll()
	assert.NoError(t, err)
	assert.Len(t, loaded, 1)
	assert.Equal(t, uint32(106), loaded[0].ID)

	mstore.AssertExpectations(t)
}
