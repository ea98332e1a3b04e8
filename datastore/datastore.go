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

// Package datastore persists app.Session records to a key/value
// store.Store backend so they survive process restart and reboot. It
// is the persistence collaborator the Session Store delegates to
// rather than writing itself.
package datastore

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/northlake-systems/pkgstage/app"
	"github.com/northlake-systems/pkgstage/store"
)

func sessionKey(id uint32) string {
	return fmt.Sprintf("%s%d", sessionKeyPrefix, id)
}

// Persister adapts a store.Store backend to app.SessionPersister.
type Persister struct {
	backing store.Store
}

// NewPersister wraps a backend, e.g. a store.DBStore, for use by
// app.NewStore.
func NewPersister(backing store.Store) *Persister {
	return &Persister{backing: backing}
}

// MarkDirty serializes and writes s, adding its id to the session
// index if not already present. The record and its index entry are
// committed in one backend transaction when the backend supports one,
// so a crash between the two cannot leave an indexed-but-missing
// session behind.
func (p *Persister) MarkDirty(s *app.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal session %d", s.ID)
	}

	write := func(txn store.Transaction) error {
		if err := txn.WriteAll(sessionKey(s.ID), data); err != nil {
			return errors.Wrapf(err, "failed to write session %d", s.ID)
		}
		return addToIndex(txn, s.ID)
	}

	if err := p.backing.WriteTransaction(write); err != store.NoTransactionSupport {
		return err
	}
	return write(p.backing)
}

// Delete removes a session's persisted record and its index entry.
func (p *Persister) Delete(id uint32) error {
	remove := func(txn store.Transaction) error {
		if err := txn.Remove(sessionKey(id)); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "failed to remove session %d", id)
		}
		return removeFromIndex(txn, id)
	}

	if err := p.backing.WriteTransaction(remove); err != store.NoTransactionSupport {
		return err
	}
	return remove(p.backing)
}

// LoadAll reads every persisted session, used by the boot reconciler
// to repopulate the in-memory Session Store on process start.
func (p *Persister) LoadAll() ([]*app.Session, error) {
	ids, err := p.readIndex()
	if err != nil {
		return nil, err
	}

	sessions := make([]*app.Session, 0, len(ids))
	for _, id := range ids {
		data, err := p.backing.ReadAll(sessionKey(id))
		if err != nil {
			if os.IsNotExist(err) {
				log.Warnf("session %d: indexed but missing from store, skipping", id)
				continue
			}
			return nil, errors.Wrapf(err, "failed to read session %d", id)
		}
		var s app.Session
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, errors.Wrapf(err, "failed to unmarshal session %d", id)
		}
		sessions = append(sessions, &s)
	}
	return sessions, nil
}

func (p *Persister) readIndex() ([]uint32, error) {
	return readIndex(p.backing)
}

func readIndex(txn store.Transaction) ([]uint32, error) {
	data, err := txn.ReadAll(SessionIndexKey)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to read session index")
	}
	var ids []uint32
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal session index")
	}
	return ids, nil
}

func writeIndex(txn store.Transaction, ids []uint32) error {
	data, err := json.Marshal(ids)
	if err != nil {
		return errors.Wrap(err, "failed to marshal session index")
	}
	return txn.WriteAll(SessionIndexKey, data)
}

func addToIndex(txn store.Transaction, id uint32) error {
	ids, err := readIndex(txn)
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	return writeIndex(txn, append(ids, id))
}

func removeFromIndex(txn store.Transaction, id uint32) error {
	ids, err := readIndex(txn)
	if err != nil {
		return err
	}
	out := ids[:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return writeIndex(txn, out)
}
