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
	"github.com/pkg/errors"
)

// FailureCode is the surface error taxonomy a FAILED session carries.
// Failures are classified by cause, since callers and the boot
// reconciler both branch on it.
type FailureCode int

const (
	FailureNone FailureCode = iota
	FailureVerificationFailed
	FailureActivationFailed
	FailureConflict
	FailureOtherStagedInProgress
	FailureUnknown
	FailureInvalidApk
)

func (f FailureCode) String() string {
	switch f {
	case FailureNone:
		return "NONE"
	case FailureVerificationFailed:
		return "VERIFICATION_FAILED"
	case FailureActivationFailed:
		return "ACTIVATION_FAILED"
	case FailureConflict:
		return "CONFLICT"
	case FailureOtherStagedInProgress:
		return "OTHER_STAGED_IN_PROGRESS"
	case FailureUnknown:
		return "UNKNOWN"
	case FailureInvalidApk:
		return "INVALID_APK"
	default:
		return "UNKNOWN"
	}
}

// installError carries a cause plus a FailureCode classification.
type installError interface {
	Cause() error
	Code() FailureCode
	error
}

type InstallError struct {
	cause error
	code  FailureCode
}

func (e *InstallError) Cause() error {
	return e.cause
}

func (e *InstallError) Unwrap() error {
	return e.cause
}

func (e *InstallError) Code() FailureCode {
	return e.code
}

func (e *InstallError) Error() string {
	return errors.Wrapf(e.cause, "%s", e.code).Error()
}

// NewInstallError builds a FAILED-state error. A FAILED session always
// carries a code other than FailureNone.
func NewInstallError(code FailureCode, cause error) installError {
	if code == FailureNone {
		code = FailureUnknown
	}
	return &InstallError{cause: cause, code: code}
}

// NewInstallErrorf is the common case of wrapping a formatted message
// rather than a pre-built error value.
func NewInstallErrorf(code FailureCode, format string, args ...interface{}) installError {
	return NewInstallError(code, errors.Errorf(format, args...))
}
