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
package installer

import (
	"io"
	"io/ioutil"

	"github.com/pkg/errors"

	"github.com/northlake-systems/pkgstage/dbus"
	"github.com/northlake-systems/pkgstage/utils"
)

const (
	archiveInstallerServiceName = "system.pkgstage.ArchiveInstallerService"
	archiveInstallerObjectPath  = "/system/pkgstage/ArchiveInstallerService"
)

// DBusArchiveInstaller reaches the standard archive installer, the
// low-level service that writes files to disk. Only its calling
// contract is implemented here.
type DBusArchiveInstaller struct {
	conn *dbus.Conn
}

func NewDBusArchiveInstaller() (*DBusArchiveInstaller, error) {
	conn, err := dbus.DialSystemBus(archiveInstallerServiceName)
	if err != nil {
		return nil, errors.Wrap(err, "failed to reach archive installer")
	}
	return &DBusArchiveInstaller{conn: conn}, nil
}

func (a *DBusArchiveInstaller) CreateSession(
	parentPackageName, installerIdentity string,
	flags uint32,
	userID int,
) (uint32, error) {
	var sessionID uint32
	err := a.conn.Call(archiveInstallerObjectPath, "CreateSession", &sessionID,
		parentPackageName, installerIdentity, flags, userID)
	if err != nil {
		return 0, errors.Wrap(err, "create_session failed")
	}
	return sessionID, nil
}

// AddChild attaches childSessionID to parentSessionID before commit.
func (a *DBusArchiveInstaller) AddChild(parentSessionID, childSessionID uint32) error {
	return a.conn.Call(archiveInstallerObjectPath, "AddChild", nil, parentSessionID, childSessionID)
}

// Write reads up to length bytes from r and hands them to the
// installer at the given offset, bounding the read with a
// LimitedWriter-backed buffer so a misbehaving caller cannot exhaust
// memory.
func (a *DBusArchiveInstaller) Write(sessionID uint32, file string, offset, length int64, r io.Reader) error {
	buf := &limitedBuffer{limit: &utils.LimitedWriter{W: ioutil.Discard, N: uint64(length)}}
	n, err := io.CopyN(buf, r, length)
	if err != nil && err != io.EOF {
		return errors.Wrapf(err, "failed to read %d bytes for %s", length, file)
	}
	return a.conn.Call(archiveInstallerObjectPath, "Write", nil,
		sessionID, file, offset, n, buf.data)
}

// RequestVerification kicks off asynchronous archive verification; the
// result surfaces later via the core's NotifyVerificationComplete, not
// through this call's return value.
func (a *DBusArchiveInstaller) RequestVerification(sessionID uint32, archiveSessionIDs []uint32) error {
	return a.conn.Call(archiveInstallerObjectPath, "RequestVerification", nil, sessionID, archiveSessionIDs)
}

func (a *DBusArchiveInstaller) Commit(sessionID uint32) (<-chan ArchiveCommitResult, error) {
	ch := make(chan ArchiveCommitResult, 1)
	go func() {
		var success bool
		err := a.conn.Call(archiveInstallerObjectPath, "Commit", &success, sessionID)
		ch <- ArchiveCommitResult{SessionID: sessionID, Success: success && err == nil, Err: err}
	}()
	return ch, nil
}

// limitedBuffer collects write() content in memory while still
// exercising utils.LimitedWriter's ENOSPC-on-overflow accounting.
type limitedBuffer struct {
	limit *utils.LimitedWriter
	data  []byte
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if _, err := b.limit.Write(p); err != nil {
		return 0, err
	}
	b.data = append(b.data, p...)
	return len(p), nil
}
