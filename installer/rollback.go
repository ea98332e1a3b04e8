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
	rollbackServiceName = "system.pkgstage.RollbackManagerService"
	rollbackObjectPath  = "/system/pkgstage/RollbackManagerService"
)

// DBusRollbackManager reaches the rollback manager. Its snapshot
// format and restore mechanics live in the remote service; this client
// only implements the calling contract the Staged Install Manager
// relies on. The "failures are logged, never fatal" policy is enforced
// by the callers, not by this client.
type DBusRollbackManager struct {
	conn *dbus.Conn
}

func NewDBusRollbackManager() (*DBusRollbackManager, error) {
	conn, err := dbus.DialSystemBus(rollbackServiceName)
	if err != nil {
		return nil, errors.Wrap(err, "failed to reach rollback manager")
	}
	return &DBusRollbackManager{conn: conn}, nil
}

func (r *DBusRollbackManager) NotifyStaged(sessionID uint32) (string, error) {
	var rollbackID string
	if err := r.conn.Call(rollbackObjectPath, "NotifyStaged", &rollbackID, sessionID); err != nil {
		return "", errors.Wrapf(err, "notify_staged failed for session %d", sessionID)
	}
	return rollbackID, nil
}

func (r *DBusRollbackManager) NotifyStagedArchive(stagedSessionID, archiveSessionID uint32) error {
	return r.conn.Call(rollbackObjectPath, "NotifyStagedArchive", nil, stagedSessionID, archiveSessionID)
}

func (r *DBusRollbackManager) SnapshotAndRestoreUser(
	pkg string,
	userIDs []int,
	appID int,
	ceDataInode int64,
	seInfo, rollbackToken string,
) error {
	return r.conn.Call(rollbackObjectPath, "SnapshotAndRestoreUser", nil,
		pkg, userIDs, appID, ceDataInode, seInfo, rollbackToken)
}

func (r *DBusRollbackManager) RecentlyCommitted() ([]string, error) {
	var ids []string
	if err := r.conn.Call(rollbackObjectPath, "RecentlyCommitted", &ids); err != nil {
		return nil, errors.Wrap(err, "recently_committed failed")
	}
	return ids, nil
}

func (r *DBusRollbackManager) CommittedRollbackID(packageName string) (string, bool) {
	var result struct {
		RollbackID string
		Found      bool
	}
	if err := r.conn.Call(rollbackObjectPath, "CommittedRollbackID", &result, packageName); err != nil {
		return "", false
	}
	return result.RollbackID, result.Found
}
