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
	log "github.com/sirupsen/logrus"

	"github.com/northlake-systems/pkgstage/system"
)

// SystemPower is the Power collaborator: run "reboot", then wait up to
// ten minutes for the OS to actually kill this process before treating
// the call as failed.
type SystemPower struct {
	reboot *system.SystemRebootCmd
}

func NewSystemPower(command system.Commander) *SystemPower {
	return &SystemPower{reboot: system.NewSystemRebootCmd(command)}
}

// Reboot logs the reason and runs the reboot command. It does not
// return early: it blocks for up to ten minutes, and any return is an
// error.
func (p *SystemPower) Reboot(reason string) error {
	if reason != "" {
		log.Infof("requesting reboot: %s", reason)
	}
	return p.reboot.Reboot()
}
