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
	"github.com/pkg/errors"

	"github.com/northlake-systems/pkgstage/dbus"
)

const (
	moduleDaemonServiceName = "system.pkgstage.ModuleInstallerService"
	moduleDaemonObjectPath  = "/system/pkgstage/ModuleInstallerService"
)

// DBusModuleDaemon reaches the out-of-process module daemon, the
// separate privileged service that actually activates modules across
// reboot, over the system bus. The daemon's own activation logic
// lives elsewhere; this client only implements the calling contract.
type DBusModuleDaemon struct {
	conn *dbus.Conn
}

// NewDBusModuleDaemon dials the module daemon's well-known bus name.
func NewDBusModuleDaemon() (*DBusModuleDaemon, error) {
	conn, err := dbus.DialSystemBus(moduleDaemonServiceName)
	if err != nil {
		return nil, errors.Wrap(err, "failed to reach module daemon")
	}
	return &DBusModuleDaemon{conn: conn}, nil
}

func (d *DBusModuleDaemon) IsSupported() bool {
	var supported bool
	if err := d.conn.Call(moduleDaemonObjectPath, "IsSupported", &supported); err != nil {
		return false
	}
	return supported
}

func (d *DBusModuleDaemon) Submit(
	sessionID uint32,
	moduleChildIDs []uint32,
	isRollback bool,
	rollbackID string,
) ([]ModuleDescriptor, error) {
	var descriptors []ModuleDescriptor
	err := d.conn.Call(moduleDaemonObjectPath, "Submit", &descriptors,
		sessionID, moduleChildIDs, isRollback, rollbackID)
	if err != nil {
		return nil, errors.Wrapf(err, "submit failed for session %d", sessionID)
	}
	return descriptors, nil
}

func (d *DBusModuleDaemon) InstalledModule(packageName string) (InstalledModule, bool, error) {
	var result struct {
		Module InstalledModule
		Found  bool
	}
	if err := d.conn.Call(moduleDaemonObjectPath, "GetInstalledModule", &result, packageName); err != nil {
		return InstalledModule{}, false, errors.Wrapf(err, "lookup of installed module %q failed", packageName)
	}
	return result.Module, result.Found, nil
}

func (d *DBusModuleDaemon) MarkStagedReady(sessionID uint32) error {
	return d.conn.Call(moduleDaemonObjectPath, "MarkStagedReady", nil, sessionID)
}

func (d *DBusModuleDaemon) MarkSuccessful(sessionID uint32) error {
	return d.conn.Call(moduleDaemonObjectPath, "MarkSuccessful", nil, sessionID)
}

func (d *DBusModuleDaemon) AbortStaged(sessionID uint32) error {
	return d.conn.Call(moduleDaemonObjectPath, "AbortStaged", nil, sessionID)
}

func (d *DBusModuleDaemon) RevertActive() error {
	return d.conn.Call(moduleDaemonObjectPath, "RevertActive", nil)
}

func (d *DBusModuleDaemon) GetStagedInfo(sessionID uint32) (StagedInfo, error) {
	var info StagedInfo
	if err := d.conn.Call(moduleDaemonObjectPath, "GetStagedInfo", &info, sessionID); err != nil {
		return StagedInfo{}, errors.Wrapf(err, "get_staged_info failed for session %d", sessionID)
	}
	return info, nil
}

func (d *DBusModuleDaemon) ListArchivesIn(packageName string) ([]string, error) {
	var archives []string
	if err := d.conn.Call(moduleDaemonObjectPath, "ListArchivesIn", &archives, packageName); err != nil {
		return nil, errors.Wrapf(err, "list_archives_in failed for %q", packageName)
	}
	return archives, nil
}

func (d *DBusModuleDaemon) IsArchiveInstallOK(packageName string) (bool, error) {
	var ok bool
	if err := d.conn.Call(moduleDaemonObjectPath, "IsArchiveInstallOK", &ok, packageName); err != nil {
		return false, errors.Wrapf(err, "is_archive_install_ok failed for %q", packageName)
	}
	return ok, nil
}

func (d *DBusModuleDaemon) PruneStaleCaches(packages []string) {
	// Best-effort; cache pruning failures never affect installation.
	_ = d.conn.Call(moduleDaemonObjectPath, "PruneStaleCaches", nil, packages)
}
