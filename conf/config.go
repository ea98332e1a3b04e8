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

// Package conf loads the Staged Install Manager's configuration knobs
// from JSON files with built-in defaults, the main file overriding a
// fallback.
package conf

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ConfigFromFile is the subset of Config loaded from JSON on disk.
// Durations are stored as seconds.
type ConfigFromFile struct {
	// Root directory holding per-session staging directories.
	StagingRoot string

	// Directory backing the failure-reason journal.
	JournalDir string

	// Directory backing the LMDB session store.
	DataStore string

	// Idle-probe interval in seconds for device-idle constraint
	// checks. Loaded into Config.IdleProbeInterval; the constraint
	// waiter does not read it and uses its built-in 10 s interval.
	IdleProbeIntervalSeconds int

	// Bound on the wait for an archive-commit result.
	ArchiveCommitTimeoutSeconds int

	// Target SDK threshold above which a stricter minimum signature
	// scheme is requested from the verifier.
	MinSchemeTargetSDK int
}

// Config is the runtime configuration, including fields derived from
// ConfigFromFile but not serialized directly.
type Config struct {
	ConfigFromFile

	IdleProbeInterval    time.Duration
	ArchiveCommitTimeout time.Duration
}

// NewConfig returns a Config with every knob at its documented
// default.
func NewConfig() *Config {
	c := &Config{
		ConfigFromFile: ConfigFromFile{
			StagingRoot:                 DefaultStagingRoot,
			JournalDir:                  DefaultJournalDir,
			DataStore:                   DefaultDataStore,
			IdleProbeIntervalSeconds:    10,
			ArchiveCommitTimeoutSeconds: 5,
			MinSchemeTargetSDK:          0,
		},
	}
	c.resolveDurations()
	return c
}

func (c *Config) resolveDurations() {
	c.IdleProbeInterval = time.Duration(c.IdleProbeIntervalSeconds) * time.Second
	c.ArchiveCommitTimeout = time.Duration(c.ArchiveCommitTimeoutSeconds) * time.Second
}

// LoadConfig parses the Staged Install Manager configuration
// json-files, main overriding fallback. Neither file existing is not
// an error; a present file that fails to parse is.
func LoadConfig(mainConfigFile, fallbackConfigFile string) (*Config, error) {
	log.Info("loading configuration")

	var filesLoadedCount int
	config := NewConfig()

	if err := loadConfigFile(fallbackConfigFile, config, &filesLoadedCount); err != nil {
		return nil, err
	}
	if err := loadConfigFile(mainConfigFile, config, &filesLoadedCount); err != nil {
		return nil, err
	}

	if filesLoadedCount == 0 {
		log.Info("no configuration files present, using defaults")
		return config, nil
	}

	config.resolveDurations()
	log.Debugf("merged configuration = %#v", config)
	return config, nil
}

func loadConfigFile(configFile string, config *Config, filesLoadedCount *int) error {
	if configFile == "" {
		return nil
	}
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		log.Debug("configuration file does not exist: ", configFile)
		return nil
	}

	if err := readConfigFile(&config.ConfigFromFile, configFile); err != nil {
		log.Errorf("error loading configuration from file: %s (%s)", configFile, err.Error())
		return err
	}

	(*filesLoadedCount)++
	log.Info("loaded configuration file: ", configFile)
	return nil
}

func readConfigFile(config interface{}, fileName string) error {
	log.Debug("reading configuration from file " + fileName)
	data, err := ioutil.ReadFile(fileName)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, config); err != nil {
		return errors.Wrap(err, "error parsing configuration file")
	}
	return nil
}

// SaveConfigFile writes config back out as indented JSON.
func SaveConfigFile(config *ConfigFromFile, filename string) error {
	data, err := json.MarshalIndent(config, "", "    ")
	if err != nil {
		return errors.Wrap(err, "error encoding configuration to JSON")
	}
	f, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrap(err, "error opening configuration file")
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return errors.Wrap(err, "error writing to configuration file")
	}
	return nil
}
