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

// Package cli is the operator-facing command-line front end for the
// Staged Install Manager, wiring the real D-Bus/exec collaborators to
// the app package's public Manager API.
package cli

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/northlake-systems/pkgstage/app"
	"github.com/northlake-systems/pkgstage/conf"
	"github.com/northlake-systems/pkgstage/datastore"
	"github.com/northlake-systems/pkgstage/installer"
	"github.com/northlake-systems/pkgstage/store"
	"github.com/northlake-systems/pkgstage/system"
)

// pieces bundles the fully wired core, assembled in one place before
// control is handed to the CLI dispatcher.
type pieces struct {
	config *conf.Config

	sessionStore *app.Store
	manager      *app.Manager
	verifier     *app.Verifier
	waiter       *app.ConstraintWaiter
	reconciler   *app.Reconciler
	journal      *app.Journal

	dbStore *store.DBStore
}

// buildPieces wires every external collaborator to the app package,
// following NewDBusModuleDaemon and friends exactly as documented on
// each constructor.
func buildPieces(config *conf.Config) (*pieces, error) {
	dbStore := store.NewDBStore(config.DataStore)
	if dbStore == nil {
		return nil, errors.New("failed to open session data store")
	}

	persister := datastore.NewPersister(dbStore)
	sessionStore := app.NewStore(persister)

	daemon, err := installer.NewDBusModuleDaemon()
	if err != nil {
		return nil, errors.Wrap(err, "failed to reach module daemon")
	}
	storageSvc, err := installer.NewDBusStorage()
	if err != nil {
		return nil, errors.Wrap(err, "failed to reach checkpoint service")
	}
	rollback, err := installer.NewDBusRollbackManager()
	if err != nil {
		return nil, errors.Wrap(err, "failed to reach rollback manager")
	}
	archiveInstaller, err := installer.NewDBusArchiveInstaller()
	if err != nil {
		return nil, errors.Wrap(err, "failed to reach archive installer")
	}
	resolver, err := installer.NewDBusDependencyResolver()
	if err != nil {
		return nil, errors.Wrap(err, "failed to reach dependency resolver")
	}
	deviceState, err := installer.NewDBusDeviceState()
	if err != nil {
		return nil, errors.Wrap(err, "failed to reach device state service")
	}

	signatureVerifier := installer.NewExecSignatureVerifier(system.OsCalls{}, "/system/bin/pkgstage_verify_sig")
	power := installer.NewSystemPower(system.OsCalls{})

	progress := app.LoggingProgressSink{}

	verifier := app.NewVerifier(
		sessionStore, daemon, storageSvc, rollback, signatureVerifier, archiveInstaller,
		progress, config.MinSchemeTargetSDK,
	)
	waiter := app.NewConstraintWaiter(resolver, deviceState)
	conflict := &app.ConflictChecker{Store: sessionStore, Storage: storageSvc, Daemon: daemon}
	manager := app.NewManager(sessionStore, conflict, verifier, waiter, daemon)

	journal := app.NewJournal(config.JournalDir)
	archiveCommitter := &app.ArchiveCommitter{
		Store:         sessionStore,
		Installer:     archiveInstaller,
		Daemon:        daemon,
		Rollback:      rollback,
		CommitTimeout: config.ArchiveCommitTimeout,
	}
	reconciler := &app.Reconciler{
		Store:    sessionStore,
		Daemon:   daemon,
		Storage:  storageSvc,
		Rollback: rollback,
		Power:    power,
		Journal:  journal,
		Verifier: verifier,
		Archive:  archiveCommitter,
		Progress: progress,
	}

	return &pieces{
		config:       config,
		sessionStore: sessionStore,
		manager:      manager,
		verifier:     verifier,
		waiter:       waiter,
		reconciler:   reconciler,
		journal:      journal,
		dbStore:      dbStore,
	}, nil
}

// start runs the verifier's and constraint waiter's cooperative worker
// loops, each on its own goroutine, and restores persisted sessions
// before reconciling boot state. When deviceUpgrading is true, every
// non-terminal restored session is force-failed with "build
// fingerprint changed".
func (p *pieces) start(deviceUpgrading bool) error {
	go p.verifier.Run()
	go p.waiter.Run()

	sessions, err := loadPersisted(p)
	if err != nil {
		return errors.Wrap(err, "failed to load persisted sessions")
	}
	for _, s := range sessions {
		p.manager.RestoreSession(s, deviceUpgrading)
	}

	p.reconciler.ReconcileAll()
	return nil
}

func loadPersisted(p *pieces) ([]*app.Session, error) {
	persister := datastore.NewPersister(p.dbStore)
	return persister.LoadAll()
}

func (p *pieces) close() {
	p.verifier.Stop()
	p.waiter.Stop()
	if err := p.dbStore.Close(); err != nil {
		log.Errorf("failed to close session data store: %s", err)
	}
}
