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
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"

	"github.com/northlake-systems/pkgstage/system"
)

// signerDetails is the concrete SigningDetails returned by
// ExecSignatureVerifier: a signer identity plus the set of
// capabilities it grants, as reported by the external verifier tool.
// The verification algorithm itself lives in that tool; this is only
// the shape of its answer.
type signerDetails struct {
	Identity     string `json:"identity"`
	Capabilities []int  `json:"capabilities"`
}

func (d signerDetails) SignerIdentity() string {
	return d.Identity
}

// HasCapability asks "does d's signer grant cap against other's
// identity". The external tool already resolves the pairwise check;
// this just inspects its verdict for the queried capability.
func (d signerDetails) HasCapability(other SigningDetails, cap Capability) bool {
	for _, c := range d.Capabilities {
		if Capability(c) == cap {
			return true
		}
	}
	return false
}

// ExecSignatureVerifier shells out to the privileged signature-parsing
// tool. It is a pure function of its input path: no state is mutated,
// and failures are parse errors. It stats the container before
// shelling out so a missing path is reported as a parse error of its
// own rather than a confusing exec failure from the external tool.
type ExecSignatureVerifier struct {
	command  system.StatCommander
	toolPath string
}

func NewExecSignatureVerifier(command system.StatCommander, toolPath string) *ExecSignatureVerifier {
	return &ExecSignatureVerifier{command: command, toolPath: toolPath}
}

func (v *ExecSignatureVerifier) Verify(containerPath string, minScheme int) (SigningDetails, error) {
	if _, err := v.command.Stat(containerPath); err != nil {
		return nil, errors.Wrapf(err, "signature verification failed for %s", containerPath)
	}

	out, err := v.command.Command(v.toolPath, containerPath, strconv.Itoa(minScheme)).Output()
	if err != nil {
		return nil, errors.Wrapf(err, "signature verification failed for %s", containerPath)
	}

	var details signerDetails
	if err := json.Unmarshal(out, &details); err != nil {
		return nil, errors.Wrapf(err, "failed to parse signature verifier output for %s", containerPath)
	}
	return details, nil
}
