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

//go:build !local
// +build !local

package conf

import (
	"path"
)

var (
	// needed so that we can override it when testing
	DefaultDataStore = "/data/system/pkgstage"
	DefaultConfFile  = path.Join(GetConfDirPath(), "pkgstage.conf")

	DefaultStagingRoot = path.Join(GetDataDirPath(), "staging")
	DefaultJournalDir  = path.Join(GetDataDirPath(), "journal")
)

func GetDataDirPath() string {
	return DefaultDataStore
}

func GetConfDirPath() string {
	return "/etc/pkgstage"
}
