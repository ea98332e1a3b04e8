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
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/northlake-systems/pkgstage/installer"
)

// archiveSuffix is the ordinary application package suffix.
const archiveSuffix = ".apk"

// ArchiveCommitter re-materializes the archive (non-module) portion of
// a ready session as a normal, non-staged install session.
type ArchiveCommitter struct {
	Store         *Store
	Installer     installer.ArchiveInstaller
	Daemon        installer.ModuleDaemon
	Rollback      installer.RollbackManager
	CommitTimeout time.Duration
}

// Commit installs the archive portion of a READY session. A nil return
// with no action taken means nothing to do (module-only or empty
// session).
func (c *ArchiveCommitter) Commit(s *Session) error {
	resolve := c.Store.Resolver()

	if s.IsMulti() {
		return c.commitMulti(s, resolve)
	}
	if s.IsModule() {
		return nil // module-only, nothing to do
	}
	_, err := c.commitSingle(s)
	return err
}

func (c *ArchiveCommitter) commitMulti(s *Session, resolve ChildResolver) error {
	archiveChildIDs := s.ArchiveChildIDs(resolve)
	if len(archiveChildIDs) == 0 {
		return nil // module-only parent
	}

	parentID, err := c.Installer.CreateSession(
		s.PackageName, s.InstallerIdentity, uint32(installFlagsForCommit(s.InstallFlags)), s.TargetUserID)
	if err != nil {
		return NewInstallErrorf(FailureActivationFailed, "create parent installer session failed: %s", err)
	}

	for _, id := range archiveChildIDs {
		child, ok := resolve(id)
		if !ok {
			continue
		}
		childID, err := c.commitSingle(child)
		if err != nil {
			return err
		}
		if err := c.Installer.AddChild(parentID, childID); err != nil {
			return NewInstallErrorf(FailureActivationFailed, "add_child failed: %s", err)
		}
	}

	return c.awaitCommit(parentID)
}

// commitSingle handles the single-package case: locate archive files
// in the staging directory, write them to a freshly created,
// non-staged installer session, and commit it synchronously.
func (c *ArchiveCommitter) commitSingle(s *Session) (uint32, error) {
	if c.Daemon != nil {
		ok, err := c.Daemon.IsArchiveInstallOK(s.PackageName)
		if err != nil {
			log.Errorf("session %d: is_archive_install_ok(%s) failed, proceeding: %s", s.ID, s.PackageName, err)
		} else if !ok {
			return 0, NewInstallErrorf(FailureActivationFailed,
				"archive install of %s blocked by an active module", s.PackageName)
		}
	}

	files, err := archiveFilesIn(s.StagingDir)
	if err != nil {
		return 0, NewInstallErrorf(FailureActivationFailed, "failed to scan staging directory: %s", err)
	}
	if len(files) == 0 {
		return 0, NewInstallErrorf(FailureActivationFailed, "no archive files found in staging directory")
	}

	sessionID, err := c.Installer.CreateSession(
		s.PackageName, s.InstallerIdentity, uint32(installFlagsForCommit(s.InstallFlags)), s.TargetUserID)
	if err != nil {
		return 0, NewInstallErrorf(FailureActivationFailed, "create_session failed: %s", err)
	}

	for _, path := range files {
		if err := c.writeFile(sessionID, path); err != nil {
			return 0, NewInstallErrorf(FailureActivationFailed, "write failed for %s: %s", path, err)
		}
	}

	if err := c.awaitCommit(sessionID); err != nil {
		return 0, err
	}

	// Let the rollback manager associate the new installer session
	// with the staged one, so a later revert can find it. Failures are
	// logged, never fatal.
	if c.Rollback != nil &&
		(s.InstallFlags.Has(FlagEnableRollback) || s.InstallReason == ReasonRollback) {
		if err := c.Rollback.NotifyStagedArchive(s.ID, sessionID); err != nil {
			log.Errorf("session %d: notify_staged_archive failed: %s", s.ID, err)
		}
	}
	return sessionID, nil
}

func (c *ArchiveCommitter) writeFile(sessionID uint32, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	return c.Installer.Write(sessionID, filepath.Base(path), 0, info.Size(), f)
}

// awaitCommit triggers an installer commit and waits for its result,
// bounded by CommitTimeout.
func (c *ArchiveCommitter) awaitCommit(sessionID uint32) error {
	resultCh, err := c.Installer.Commit(sessionID)
	if err != nil {
		return NewInstallErrorf(FailureActivationFailed, "commit failed: %s", err)
	}

	select {
	case result := <-resultCh:
		if !result.Success {
			msg := "archive commit failed"
			if result.Err != nil {
				msg = result.Err.Error()
			}
			return NewInstallErrorf(FailureActivationFailed, "%s", msg)
		}
		return nil
	case <-time.After(c.CommitTimeout):
		log.Errorf("session %d: archive commit timed out after %s", sessionID, c.CommitTimeout)
		return NewInstallErrorf(FailureActivationFailed, "archive commit timed out")
	}
}

// installFlagsForCommit clears STAGED and sets DISABLE_VERIFICATION on
// the new, non-staged installer session; the staged copy was already
// verified before reboot.
func installFlagsForCommit(original InstallFlags) InstallFlags {
	return (original &^ FlagStaged) | FlagDisableVerification
}

func archiveFilesIn(dir string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(strings.ToLower(entry.Name()), archiveSuffix) {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	return files, nil
}
