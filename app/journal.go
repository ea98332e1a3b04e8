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
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/northlake-systems/pkgstage/store"
)

// Journal is the failure-reason journal: a single small file that
// survives reboot carrying "why we reverted". It is written only by
// the boot reconciler and cleared only on clean system-ready, so there
// is exactly one writer at a time.
type Journal struct {
	backing *store.DirStore
	name    string
}

const journalFileName = "failed-session-reason"

// NewJournal builds a journal rooted at dir, written through
// store.DirStore's write-temp-then-rename commit.
func NewJournal(dir string) *Journal {
	return &Journal{
		backing: store.NewDirStore(dir),
		name:    journalFileName,
	}
}

// WriteFailure records the reason a session's boot-apply was reverted.
// The content is a single opaque UTF-8 line.
func (j *Journal) WriteFailure(sessionID uint32, reason string) error {
	line := fmt.Sprintf("Failed to install session %d: %s", sessionID, reason)
	if err := j.backing.WriteAll(j.name, []byte(line)); err != nil {
		log.Errorf("failure journal: write error: %s", err)
		return err
	}
	return nil
}

// ReadOnce reads the journal's content, if any. The boot reconciler
// reads it when composing a "reverting to safe state" message and
// again in BootCompleted, just before clearing it. Each call reads the
// file as it is at that moment, including any line failBootApply
// wrote earlier in the same boot.
func (j *Journal) ReadOnce() (string, bool) {
	data, err := j.backing.ReadAll(j.name)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false
		}
		log.Errorf("failure journal: read error: %s", err)
		return "", false
	}
	return string(data), true
}

// Clear deletes the journal file on a clean system-ready.
func (j *Journal) Clear() {
	if err := j.backing.Remove(j.name); err != nil && !os.IsNotExist(err) {
		log.Errorf("failure journal: delete error: %s", err)
	}
}
