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

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrDuplicateID is returned by Create when a session id is already
// present in the store.
var ErrDuplicateID = errors.New("session id already exists")

// SessionPersister is the persistence collaborator the Session Store
// delegates to: the store notifies dirty but never writes bytes
// itself. datastore.Persister is the concrete LMDB-backed
// implementation.
type SessionPersister interface {
	MarkDirty(s *Session) error
	Delete(id uint32) error
}

// noopPersister is used when the store is built without a backing
// persister, e.g. in unit tests that only care about in-memory
// behavior.
type noopPersister struct{}

func (noopPersister) MarkDirty(*Session) error { return nil }
func (noopPersister) Delete(uint32) error      { return nil }

// Store is the Session Store: an in-memory registry of staged sessions
// keyed by session id, with all mutation serialized on a single lock.
// This lock guards every session record. The persister is called while
// it is held; no other collaborator is called under it.
type Store struct {
	mu        sync.Mutex
	sessions  map[uint32]*Session
	persister SessionPersister
}

// NewStore builds an empty store. Pass nil for persister to get a
// no-op persistence collaborator (tests only).
func NewStore(persister SessionPersister) *Store {
	if persister == nil {
		persister = noopPersister{}
	}
	return &Store{
		sessions:  make(map[uint32]*Session),
		persister: persister,
	}
}

// Create inserts a fresh session, failing with ErrDuplicateID if the
// id is already present.
func (st *Store) Create(s *Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, exists := st.sessions[s.ID]; exists {
		return errors.Wrapf(ErrDuplicateID, "session %d", s.ID)
	}
	st.sessions[s.ID] = s
	if err := st.persister.MarkDirty(s); err != nil {
		log.Errorf("session %d: failed to persist on create: %s", s.ID, err)
	}
	return nil
}

// Get resolves a session reference by id under the store lock. The
// returned pointer is the store's own copy; callers must not mutate it
// without holding Lock/Unlock or going through a mutating method.
func (st *Store) Get(id uint32) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[id]
	return s, ok
}

// Resolver returns a ChildResolver bound to this store, for callers
// building up Session-level derived properties (Kind, ContainsModule,
// …) without reaching into the store's internals.
func (st *Store) Resolver() ChildResolver {
	return func(id uint32) (*Session, bool) {
		return st.Get(id)
	}
}

// Abort removes a session from the in-memory map. The caller is
// responsible for having already set a terminal or DESTROYED state
// before calling Abort; Abort itself does not check or set state.
func (st *Store) Abort(id uint32) {
	st.mu.Lock()
	defer st.mu.Unlock()

	delete(st.sessions, id)
	if err := st.persister.Delete(id); err != nil {
		log.Errorf("session %d: failed to delete persisted record: %s", id, err)
	}
}

// MarkDirty re-persists a session after an in-place mutation (state
// transition, failure code, rollback id, …). Callers hold no lock of
// their own; Store serializes this internally.
func (st *Store) MarkDirty(s *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := st.persister.MarkDirty(s); err != nil {
		log.Errorf("session %d: failed to persist: %s", s.ID, err)
	}
}

// ListCommitted returns a snapshot of sessions whose state is neither
// CREATED nor DESTROYED and is not terminal.
func (st *Store) ListCommitted() []*Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		if s.State == StateCreated || s.State == StateDestroyed {
			continue
		}
		if s.State.IsTerminal() {
			continue
		}
		out = append(out, s)
	}
	return out
}

// ListRoots returns a snapshot of every session without a parent. The
// boot reconciler iterates roots only; children are handled through
// their parents.
func (st *Store) ListRoots() []*Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		if !s.HasParent {
			out = append(out, s)
		}
	}
	return out
}

// ListActiveNonParent returns a snapshot of every non-parent (childless
// or leaf) session that is not terminal, not DESTROYED, and whose
// parent, if it has one, is still live in the store. Used by the
// conflict checker's scan.
func (st *Store) ListActiveNonParent() []*Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		if s.IsMulti() {
			continue
		}
		if s.State.IsTerminal() || s.State == StateDestroyed {
			continue
		}
		if s.HasParent {
			if _, ok := st.sessions[s.ParentID]; !ok {
				continue
			}
		}
		out = append(out, s)
	}
	return out
}

// Root returns the root ancestor of s: s.ParentID resolved if s has a
// parent currently in the store, else s itself.
func (st *Store) Root(s *Session) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	if s.HasParent {
		if p, ok := st.sessions[s.ParentID]; ok {
			return p
		}
	}
	return s
}

// Restore reloads a session from persistence on the boot path. If
// deviceUpgrading is true and the session is not already terminal, it
// is force-failed with ACTIVATION_FAILED: the build fingerprint it was
// staged against no longer matches.
func (st *Store) Restore(s *Session, deviceUpgrading bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.sessions[s.ID] = s

	if deviceUpgrading && !s.State.IsTerminal() {
		s.State = StateFailed
		s.FailureCode = FailureActivationFailed
		s.FailureMessage = "build fingerprint changed"
	}

	if err := st.persister.MarkDirty(s); err != nil {
		log.Errorf("session %d: failed to persist on restore: %s", s.ID, err)
	}
}
