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
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/northlake-systems/pkgstage/installer"
)

// Manager is the public API surface of the Staged Install core. It
// owns no state of its own beyond an id counter; every operation is
// a thin, ordered dispatch across the Session Store and the two
// cooperative workers.
type Manager struct {
	Store    *Store
	Conflict *ConflictChecker
	Verifier *Verifier
	Waiter   *ConstraintWaiter
	Daemon   installer.ModuleDaemon

	lastID uint32
}

// NewManager wires a Manager to its already-constructed collaborators.
// Run the Verifier's and ConstraintWaiter's worker loops separately
// before calling any Manager method.
func NewManager(store *Store, conflict *ConflictChecker, verifier *Verifier, waiter *ConstraintWaiter, daemon installer.ModuleDaemon) *Manager {
	return &Manager{
		Store:    store,
		Conflict: conflict,
		Verifier: verifier,
		Waiter:   waiter,
		Daemon:   daemon,
	}
}

// CreateSession inserts a fresh CREATED session. If params.ID is
// zero, the manager assigns the next id; a caller restoring a
// specific id (e.g. a child session a parent already references)
// passes it explicitly.
func (m *Manager) CreateSession(params Session) (uint32, error) {
	s := params.CloneParams()
	if s.ID == 0 {
		s.ID = atomic.AddUint32(&m.lastID, 1)
	}
	s.State = StateCreated

	if err := m.Store.Create(&s); err != nil {
		return 0, err
	}
	return s.ID, nil
}

// CommitSession runs the conflict check and, on success, kicks the
// verifier pipeline. The conflict check applies to each non-parent
// session; for a PARENT wrapper that means every child, not the
// wrapper itself, which carries no package name.
func (m *Manager) CommitSession(id uint32) error {
	s, ok := m.Store.Get(id)
	if !ok {
		return NewInstallErrorf(FailureUnknown, "session %d not found", id)
	}

	if s.IsMulti() {
		resolve := m.Store.Resolver()
		for _, childID := range s.ChildSessionIDs {
			child, ok := resolve(childID)
			if !ok {
				continue
			}
			if err := m.Conflict.Check(child); err != nil {
				return err
			}
		}
	} else if err := m.Conflict.Check(s); err != nil {
		return err
	}

	m.Verifier.Commit(id)
	return nil
}

// MarkDestroyed sets a session's state to DESTROYED, the precondition
// AbortSession and AbortCommittedSession both expect the caller to
// have established before invoking them. It is reachable from any
// non-terminal state.
func (m *Manager) MarkDestroyed(id uint32) error {
	s, ok := m.Store.Get(id)
	if !ok {
		return NewInstallErrorf(FailureUnknown, "session %d not found", id)
	}
	s.State = StateDestroyed
	m.Store.MarkDirty(s)
	return nil
}

// AbortSession removes a session from the store. The caller is
// responsible for having already put it in a state from which removal
// is safe.
func (m *Manager) AbortSession(id uint32) {
	m.Store.Abort(id)
}

// AbortCommittedSession additionally best-effort aborts the module
// daemon's session when the session being removed was READY; the
// caller must have already set DESTROYED.
func (m *Manager) AbortCommittedSession(id uint32) {
	if s, ok := m.Store.Get(id); ok && s.State == StateReady {
		if err := m.Daemon.AbortStaged(id); err != nil {
			log.Errorf("session %d: abort_staged during abort_committed_session failed: %s", id, err)
		}
	}
	m.Store.Abort(id)
}

// RestoreSession is the boot-path restore operation: it reinserts a
// persisted session into the live store, force-failing it
// if a device upgrade invalidated it.
func (m *Manager) RestoreSession(s *Session, deviceUpgrading bool) {
	m.Store.Restore(s, deviceUpgrading)
}

// NotifyVerificationComplete is the archive verifier's asynchronous
// callback, forwarded to the verifier worker.
func (m *Manager) NotifyVerificationComplete(id uint32) {
	m.Verifier.NotifyVerificationComplete(id)
}

// CheckInstallConstraints forwards to the constraint waiter.
func (m *Manager) CheckInstallConstraints(packages []string, constraints Constraints, timeoutMs int64) <-chan CheckResult {
	return m.Waiter.CheckConstraints(packages, constraints, timeoutMs)
}
