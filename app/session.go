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

// Package app implements the Staged Install Manager: the core that
// coordinates atomic, reboot-spanning installation of staged sessions
// mixing container-format modules and ordinary application archives.
package app

import "fmt"

// SessionState is the lifecycle state machine of a staged session:
//
//	CREATED -commit-> VERIFYING -verified-> READY -boot/apply-> APPLIED
//	                     |                    |
//	                     +-verify-failed-> FAILED <-activation-failed-+
//
// DESTROYED is orthogonal and reachable from any non-terminal state.
type SessionState int

const (
	StateCreated SessionState = iota
	StateVerifying
	StateReady
	StateApplied
	StateFailed
	StateDestroyed
)

func (s SessionState) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateVerifying:
		return "VERIFYING"
	case StateReady:
		return "READY"
	case StateApplied:
		return "APPLIED"
	case StateFailed:
		return "FAILED"
	case StateDestroyed:
		return "DESTROYED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether s can never transition again. DESTROYED
// is cleanup-only, not a normal terminal state, so it is intentionally
// excluded here.
func (s SessionState) IsTerminal() bool {
	return s == StateApplied || s == StateFailed
}

// InstallReason distinguishes a normal forward install from the
// reversal of a previously committed rollback-enabled install.
type InstallReason int

const (
	ReasonNormal InstallReason = iota
	ReasonRollback
)

// InstallFlags is the bitset of install-time options.
type InstallFlags uint32

const (
	FlagStaged InstallFlags = 1 << iota
	FlagApexModule
	FlagEnableRollback
	FlagDisableVerification
	FlagAllowDowngrade
)

func (f InstallFlags) Has(flag InstallFlags) bool {
	return f&flag != 0
}

// SessionKind is derived, never stored. A session with children is
// always a PARENT wrapper; a childless session is classified by its
// own module/archive flag. Consumers that care about a multi session's
// composition ask ContainsModule/ContainsArchive directly, so PARENT
// is not further split by what its children hold.
type SessionKind int

const (
	KindArchiveOnly SessionKind = iota
	KindModuleOnly
	KindMixed
	KindParent
)

func (k SessionKind) String() string {
	switch k {
	case KindArchiveOnly:
		return "ARCHIVE_ONLY"
	case KindModuleOnly:
		return "MODULE_ONLY"
	case KindMixed:
		return "MIXED"
	case KindParent:
		return "PARENT"
	default:
		return "UNKNOWN"
	}
}

// Session is the value object describing one staged install. The store
// exclusively owns each Session; everything else resolves a reference
// to one through the store under the store's lock.
type Session struct {
	ID        uint32
	ParentID  uint32 // 0 means no parent
	HasParent bool

	ChildSessionIDs []uint32 // ordered, duplicate-free; depth 1 only

	PackageName string // empty until the parser (external) resolves it

	InstallReason InstallReason
	InstallFlags  InstallFlags

	RequiredInstalledVersion *int64

	InstallerIdentity string
	TargetUserID      int

	StagingDir string

	State          SessionState
	FailureCode    FailureCode
	FailureMessage string

	RollbackID *string
}

// CloneParams deep-copies the mutable parts of a Session (child id
// slice, optional pointers) so callers never alias the store's copy.
func (s *Session) CloneParams() Session {
	clone := *s
	if len(s.ChildSessionIDs) > 0 {
		clone.ChildSessionIDs = append([]uint32(nil), s.ChildSessionIDs...)
	}
	if s.RequiredInstalledVersion != nil {
		v := *s.RequiredInstalledVersion
		clone.RequiredInstalledVersion = &v
	}
	if s.RollbackID != nil {
		v := *s.RollbackID
		clone.RollbackID = &v
	}
	return clone
}

// IsModule reports whether this particular session (not its children)
// installs a container-format module package.
func (s *Session) IsModule() bool {
	return s.InstallFlags.Has(FlagApexModule)
}

// IsMulti reports whether the session wraps child sessions.
func (s *Session) IsMulti() bool {
	return len(s.ChildSessionIDs) > 0
}

// ChildResolver looks a child session id up in the Session Store.
// Session is pure data; anything that needs to scan children takes one
// of these rather than holding a reference to the store itself.
type ChildResolver func(id uint32) (*Session, bool)

// ContainsModule is true if self or any child has the module flag set.
func (s *Session) ContainsModule(resolve ChildResolver) bool {
	if s.IsModule() {
		return true
	}
	for _, id := range s.ChildSessionIDs {
		if child, ok := resolve(id); ok && child.IsModule() {
			return true
		}
	}
	return false
}

// ContainsArchive is the inverse of ContainsModule: true if self or any
// child is an ordinary (non-module) package. A parent wrapper carries
// no package of its own and counts only through its children.
func (s *Session) ContainsArchive(resolve ChildResolver) bool {
	if !s.IsMulti() && !s.IsModule() {
		return true
	}
	for _, id := range s.ChildSessionIDs {
		if child, ok := resolve(id); ok && !child.IsModule() {
			return true
		}
	}
	return false
}

// Kind computes the derived SessionKind.
func (s *Session) Kind(resolve ChildResolver) SessionKind {
	if s.IsMulti() {
		return KindParent
	}
	if s.IsModule() {
		return KindModuleOnly
	}
	return KindArchiveOnly
}

// ModuleChildIDs returns the subset of ChildSessionIDs whose resolved
// session has the module flag set, in order. Used by the verifier's
// MODULES stage to build the module daemon submission.
func (s *Session) ModuleChildIDs(resolve ChildResolver) []uint32 {
	var out []uint32
	for _, id := range s.ChildSessionIDs {
		if child, ok := resolve(id); ok && child.IsModule() {
			out = append(out, id)
		}
	}
	return out
}

// ArchiveChildIDs is the complement of ModuleChildIDs.
func (s *Session) ArchiveChildIDs(resolve ChildResolver) []uint32 {
	var out []uint32
	for _, id := range s.ChildSessionIDs {
		if child, ok := resolve(id); ok && !child.IsModule() {
			out = append(out, id)
		}
	}
	return out
}

func (s *Session) String() string {
	return fmt.Sprintf("session[%d pkg=%q state=%s]", s.ID, s.PackageName, s.State)
}
