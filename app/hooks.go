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
	log "github.com/sirupsen/logrus"
)

// ProgressSink is a thin adapter the core exposes to collaborators and
// operators wanting visibility into the pipeline. Events bracket an
// operation rather than streaming structured progress.
type ProgressSink interface {
	// StageEntered is called as each verifier stage begins for a
	// session (START/MODULES/ARCHIVES/END).
	StageEntered(sessionID uint32, stage string)

	// StageCompleted is called as a stage ends, err nil on success.
	StageCompleted(sessionID uint32, stage string, err error)

	// SessionTerminal is called once a session reaches APPLIED or
	// FAILED.
	SessionTerminal(sessionID uint32, state SessionState, failureCode FailureCode)
}

// NoopProgressSink discards every event; it is the default when no
// operator tooling is attached.
type NoopProgressSink struct{}

func (NoopProgressSink) StageEntered(uint32, string)                       {}
func (NoopProgressSink) StageCompleted(uint32, string, error)              {}
func (NoopProgressSink) SessionTerminal(uint32, SessionState, FailureCode) {}

// LoggingProgressSink is the CLI-facing default: every event becomes a
// single log line.
type LoggingProgressSink struct{}

func (LoggingProgressSink) StageEntered(sessionID uint32, stage string) {
	log.Debugf("session %d: entering stage %s", sessionID, stage)
}

func (LoggingProgressSink) StageCompleted(sessionID uint32, stage string, err error) {
	if err != nil {
		log.Errorf("session %d: stage %s failed: %s", sessionID, stage, err)
		return
	}
	log.Debugf("session %d: stage %s completed", sessionID, stage)
}

func (LoggingProgressSink) SessionTerminal(sessionID uint32, state SessionState, failureCode FailureCode) {
	if state == StateFailed {
		log.Warnf("session %d: terminal state %s (%s)", sessionID, state, failureCode)
		return
	}
	log.Infof("session %d: terminal state %s", sessionID, state)
}
