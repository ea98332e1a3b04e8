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
package datastore

// Gather all datastore keys in this file so that there is an index
// over what keys exist. These are stored in the on-device database and
// may be long-lived.

const (
	// sessionKeyPrefix keys every persisted Session record, suffixed
	// with the decimal session id (e.g. "session-105").
	sessionKeyPrefix = "session-"

	// SessionIndexKey stores the JSON-encoded set of session ids
	// currently persisted, so a restart can enumerate them without an
	// underlying store that supports key iteration.
	SessionIndexKey = "session-index"
)
