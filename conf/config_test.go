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
package conf

import (
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	c := NewConfig()
	assert.Equal(t, 10*time.Second, c.IdleProbeInterval)
	assert.Equal(t, 5*time.Second, c.ArchiveCommitTimeout)
	assert.NotEmpty(t, c.StagingRoot)
	assert.NotEmpty(t, c.JournalDir)
}

func TestLoadConfigNoFiles(t *testing.T) {
	c, err := LoadConfig("/does/not/exist.conf", "/also/does/not/exist.conf")
	require.NoError(t, err)
	assert.Equal(t, NewConfig().IdleProbeInterval, c.IdleProbeInterval)
}

func TestLoadConfigMainOverridesFallback(t *testing.T) {
	dir := t.TempDir()

	fallback := filepath.Join(dir, "fallback.conf")
	main := filepath.Join(dir, "main.conf")

	writeConfig(t, fallback, `{"IdleProbeIntervalSeconds": 20, "ArchiveCommitTimeoutSeconds": 7}`)
	writeConfig(t, main, `{"IdleProbeIntervalSeconds": 3}`)

	c, err := LoadConfig(main, fallback)
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, c.IdleProbeInterval)
	assert.Equal(t, 7*time.Second, c.ArchiveCommitTimeout)
}

func TestLoadConfigInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	main := filepath.Join(dir, "main.conf")
	require.NoError(t, ioutil.WriteFile(main, []byte("{not json"), 0644))

	_, err := LoadConfig(main, "")
	assert.Error(t, err)
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, ioutil.WriteFile(path, []byte(content), 0644))
}
