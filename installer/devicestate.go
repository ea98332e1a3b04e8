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
	"time"

	"github.com/pkg/errors"

	"github.com/northlake-systems/pkgstage/dbus"
)

const (
	deviceStateServiceName = "system.pkgstage.DeviceStateService"
	deviceStateObjectPath  = "/system/pkgstage/DeviceStateService"

	// defaultIdlePollInterval bounds how often WatchIdle re-checks the
	// remote service between idle transitions. The Constraint Waiter
	// treats the returned channel as a one-shot notification, not a
	// poll handle; the polling itself is this client's affair.
	defaultIdlePollInterval = 2 * time.Second
)

// DBusDeviceState reaches the device/app-state predicates consulted
// by the Constraint Waiter's satisfaction check. None of
// foreground/interacting/top-visible/in-call detection is implemented
// here; only the calling contract is.
type DBusDeviceState struct {
	conn         *dbus.Conn
	pollInterval time.Duration
}

func NewDBusDeviceState() (*DBusDeviceState, error) {
	conn, err := dbus.DialSystemBus(deviceStateServiceName)
	if err != nil {
		return nil, errors.Wrap(err, "failed to reach device state service")
	}
	return &DBusDeviceState{conn: conn, pollInterval: defaultIdlePollInterval}, nil
}

func (d *DBusDeviceState) IsIdle() bool {
	var idle bool
	if err := d.conn.Call(deviceStateObjectPath, "IsIdle", &idle); err != nil {
		return false
	}
	return idle
}

// WatchIdle polls IsIdle on its own goroutine and closes the returned
// channel the first time it observes idle. Callers read it at most
// once per pending check.
func (d *DBusDeviceState) WatchIdle() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		ticker := time.NewTicker(d.pollInterval)
		defer ticker.Stop()
		for range ticker.C {
			if d.IsIdle() {
				close(ch)
				return
			}
		}
	}()
	return ch
}

func (d *DBusDeviceState) IsForegroundAny(packages []string) bool {
	var present bool
	if err := d.conn.Call(deviceStateObjectPath, "IsForegroundAny", &present, packages); err != nil {
		return false
	}
	return present
}

func (d *DBusDeviceState) IsInteractingAny(packages []string) bool {
	var present bool
	if err := d.conn.Call(deviceStateObjectPath, "IsInteractingAny", &present, packages); err != nil {
		return false
	}
	return present
}

func (d *DBusDeviceState) IsTopVisibleAny(packages []string) bool {
	var present bool
	if err := d.conn.Call(deviceStateObjectPath, "IsTopVisibleAny", &present, packages); err != nil {
		return false
	}
	return present
}

func (d *DBusDeviceState) IsInCallAny(packages []string) bool {
	var present bool
	if err := d.conn.Call(deviceStateObjectPath, "IsInCallAny", &present, packages); err != nil {
		return false
	}
	return present
}
