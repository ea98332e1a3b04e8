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
	storageServiceName = "system.pkgstage.CheckpointService"
	storageObjectPath  = "/system/pkgstage/CheckpointService"
)

// DBusStorage reaches the filesystem checkpoint service. Its on-disk
// checkpoint mechanics live in the remote service; only the
// supports/needs/start/abort contract is implemented here.
type DBusStorage struct {
	conn *dbus.Conn
}

func NewDBusStorage() (*DBusStorage, error) {
	conn, err := dbus.DialSystemBus(storageServiceName)
	if err != nil {
		return nil, errors.Wrap(err, "failed to reach checkpoint service")
	}
	return &DBusStorage{conn: conn}, nil
}

func (s *DBusStorage) SupportsCheckpoint() bool {
	var supported bool
	if err := s.conn.Call(storageObjectPath, "SupportsCheckpoint", &supported); err != nil {
		return false
	}
	return supported
}

func (s *DBusStorage) NeedsCheckpoint() bool {
	var needed bool
	if err := s.conn.Call(storageObjectPath, "NeedsCheckpoint", &needed); err != nil {
		return false
	}
	return needed
}

func (s *DBusStorage) StartCheckpoint(retryLimit int) error {
	return s.conn.Call(storageObjectPath, "StartCheckpoint", nil, retryLimit)
}

func (s *DBusStorage) AbortChanges(reason string, retry bool) error {
	return s.conn.Call(storageObjectPath, "AbortChanges", nil, reason, retry)
}
