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

// ConflictChecker enforces the non-overlap rules between a newly
// committed session and every other currently-staged session. It only
// ever reads the rest of the store's sessions and
// mutates at most the losing session in a rollback-preemption; it
// never touches the session being checked itself.
type ConflictChecker struct {
	Store   *Store
	Storage installer.Storage
	Daemon  installer.ModuleDaemon
}

// Check runs the conflict scan for s, which must be a newly committed,
// non-parent session. It returns an installError when the commit must
// be rejected; a nil return means s may proceed to the verifier.
func (c *ConflictChecker) Check(s *Session) error {
	if s.PackageName == "" {
		return NewInstallErrorf(FailureInvalidApk, "session %d has no package name at commit time", s.ID)
	}

	supportsCheckpoint := c.Storage.SupportsCheckpoint()
	rootS := c.Store.Root(s)

	for _, t := range c.Store.ListActiveNonParent() {
		if t.ID == s.ID {
			// Recommitting the same session is idempotent.
			continue
		}

		if s.PackageName == t.PackageName {
			if s.InstallReason == ReasonRollback && t.InstallReason != ReasonRollback {
				c.preemptWithRollback(t)
				continue
			}
			return NewInstallErrorf(FailureOtherStagedInProgress,
				"package %q already staged by session %d", s.PackageName, t.ID)
		}

		if !supportsCheckpoint {
			rootT := c.Store.Root(t)
			if rootS.ID != rootT.ID {
				return NewInstallErrorf(FailureOtherStagedInProgress,
					"multiple root sessions without checkpoint support")
			}
		}
	}

	return nil
}

// preemptWithRollback fails t's root session with CONFLICT and
// best-effort aborts its module-daemon session. A rollback always wins
// over a non-rollback staging of the same package.
func (c *ConflictChecker) preemptWithRollback(t *Session) {
	rootT := c.Store.Root(t)
	rootT.State = StateFailed
	rootT.FailureCode = FailureConflict
	rootT.FailureMessage = "blocked rollback"
	c.Store.MarkDirty(rootT)

	if err := c.Daemon.AbortStaged(rootT.ID); err != nil {
		log.Errorf("session %d: abort_staged during rollback preemption failed: %s", rootT.ID, err)
	}
}
