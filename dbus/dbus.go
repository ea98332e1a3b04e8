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

// Package dbus is a thin, pure-Go client over the system bus, used to
// reach the privileged out-of-process collaborators (the module
// daemon, the checkpoint service, and friends). It wraps godbus/dbus
// directly, so the client has no cgo dependency.
package dbus

import (
	"time"

	godbus "github.com/godbus/dbus"
	"github.com/pkg/errors"
)

// DefaultCallTimeout bounds every method call this package makes.
// Collaborator calls in the verifier pipeline must never block its
// worker on unbounded I/O.
const DefaultCallTimeout = 30 * time.Second

// Conn wraps a godbus connection to one well-known service name.
type Conn struct {
	conn        *godbus.Conn
	serviceName string
}

// DialSystemBus connects to the system bus and targets serviceName,
// the bus name under which a collaborator daemon publishes itself.
func DialSystemBus(serviceName string) (*Conn, error) {
	conn, err := godbus.SystemBus()
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to the system bus")
	}
	return &Conn{conn: conn, serviceName: serviceName}, nil
}

// Call invokes method on objectPath with args, storing the single
// return value into dest (pass nil for methods with no return value).
// Bounded by DefaultCallTimeout; a call still in flight at the
// deadline is abandoned and reported as an error.
func (c *Conn) Call(objectPath, method string, dest interface{}, args ...interface{}) error {
	obj := c.conn.Object(c.serviceName, godbus.ObjectPath(objectPath))
	call := obj.Go(method, 0, make(chan *godbus.Call, 1), args...)
	if call.Err != nil {
		return errors.Wrapf(call.Err, "dbus call %s on %s failed", method, objectPath)
	}

	select {
	case done := <-call.Done:
		if done.Err != nil {
			return errors.Wrapf(done.Err, "dbus call %s on %s failed", method, objectPath)
		}
		if dest != nil {
			if err := done.Store(dest); err != nil {
				return errors.Wrapf(err, "dbus call %s on %s: failed to decode reply", method, objectPath)
			}
		}
		return nil
	case <-time.After(DefaultCallTimeout):
		return errors.Errorf("dbus call %s on %s timed out after %s", method, objectPath, DefaultCallTimeout)
	}
}

// Close releases the underlying bus connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}
