// Copyright 2017 Northern.tech AS
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
package store

import (
	"bytes"
	"io"
	"io/ioutil"
	"os"
	"path"

	"github.com/bmatsuo/lmdb-go/lmdb"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	DBStoreName = "pkgstage-store"

	dbLockName = DBStoreName + ".lock"
)

var (
	ErrDBStoreNotInitialized = errors.New("DB store not initialized")
	ErrDBStoreLocked         = errors.New("DB store is held by another process")
)

// DBStore is an opaque structure representing a database backed storage.
// Implements `Store` interface.
type DBStore struct {
	env      *lmdb.Env
	lockFile *os.File
}

type DBStoreWrite struct {
	io.WriteCloser
	dbs  *DBStore
	name string
	data bytes.Buffer
}

// NewDBStore creates an instance of Store backed by LMDB database. DBStore uses
// a single file for DB data (named `DBStoreName`). Parameter `dirpath` is a
// directory where the file will be stored. Returns nil if initialization
// failed.
func NewDBStore(dirpath string) *DBStore {
	// Only one process may hold the session store open at a time; the
	// in-memory store lock only serializes within a single process. An
	// advisory exclusive flock on a sentinel file guards against a
	// second Staged Install Manager process racing the first across
	// reboot.
	lockFile, err := acquireExclusiveLock(path.Join(dirpath, dbLockName))
	if err != nil {
		log.Errorf("failed to acquire DB store lock: %v", err)
		return nil
	}

	env, err := lmdb.NewEnv()
	if err != nil {
		log.Errorf("failed to create DB environment: %v", err)
		releaseLock(lockFile)
		return nil
	}

	if err := env.Open(path.Join(dirpath, DBStoreName), lmdb.NoSubdir, 0600); err != nil {
		log.Errorf("failed to open DB environment: %v", err)
		releaseLock(lockFile)
		return nil
	}

	return &DBStore{
		env:      env,
		lockFile: lockFile,
	}
}

func acquireExclusiveLock(lockPath string) (*os.File, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open lock file")
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, errors.Wrap(ErrDBStoreLocked, err.Error())
	}
	return f, nil
}

func releaseLock(f *os.File) {
	if f == nil {
		return
	}
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	f.Close()
}

func (db *DBStore) Close() error {
	if db.env != nil {
		if err := db.env.Close(); err != nil {
			return errors.Wrapf(err, "failed to close DB")
		}
		db.env = nil
	}
	releaseLock(db.lockFile)
	db.lockFile = nil
	return nil
}

func (db *DBStore) ReadAll(name string) ([]byte, error) {
	b, err := db.readBytes(name)
	if err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func (db *DBStore) WriteAll(name string, data []byte) error {
	return db.writeBytes(name, bytes.NewBuffer(data))
}

func (db *DBStore) writeBytes(name string, data *bytes.Buffer) error {
	if db.env == nil {
		return ErrDBStoreNotInitialized
	}

	err := db.env.Update(func(txn *lmdb.Txn) error {
		dbi, err := txn.OpenRoot(0)
		if err != nil {
			return err
		}

		if err := txn.Put(dbi, []byte(name), data.Bytes(), 0); err != nil {
			return err
		}

		return nil
	})

	if err != nil {
		return errors.Wrapf(err, "failed to write data for key %s", name)
	}
	return nil
}

// dbTxn adapts an open LMDB transaction to the Transaction interface,
// so WriteTransaction/ReadTransaction callers can group several
// reads/writes into one underlying LMDB transaction instead of one
// per call.
type dbTxn struct {
	txn *lmdb.Txn
	dbi lmdb.DBI
}

func (t *dbTxn) ReadAll(name string) ([]byte, error) {
	data, err := t.txn.Get(t.dbi, []byte(name))
	if err != nil {
		if lmdb.IsNotFound(err) {
			return nil, os.ErrNotExist
		}
		return nil, err
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (t *dbTxn) WriteAll(name string, data []byte) error {
	return t.txn.Put(t.dbi, []byte(name), data, 0)
}

func (t *dbTxn) Remove(name string) error {
	if err := t.txn.Del(t.dbi, []byte(name), nil); err != nil {
		if lmdbErr, ok := err.(*lmdb.OpError); ok && lmdbErr.Errno == lmdb.NotFound {
			return nil
		}
		return err
	}
	return nil
}

// WriteTransaction groups txnFunc's reads/writes into a single LMDB
// read-write transaction.
func (db *DBStore) WriteTransaction(txnFunc func(txn Transaction) error) error {
	if db.env == nil {
		return ErrDBStoreNotInitialized
	}
	return db.env.Update(func(txn *lmdb.Txn) error {
		dbi, err := txn.OpenRoot(0)
		if err != nil {
			return err
		}
		return txnFunc(&dbTxn{txn: txn, dbi: dbi})
	})
}

// ReadTransaction groups txnFunc's reads into a single LMDB read-only
// transaction.
func (db *DBStore) ReadTransaction(txnFunc func(txn Transaction) error) error {
	if db.env == nil {
		return ErrDBStoreNotInitialized
	}
	return db.env.View(func(txn *lmdb.Txn) error {
		dbi, err := txn.OpenRoot(0)
		if err != nil {
			return err
		}
		return txnFunc(&dbTxn{txn: txn, dbi: dbi})
	})
}

func (db *DBStore) OpenRead(name string) (io.ReadCloser, error) {
	b, err := db.readBytes(name)
	if err != nil {
		return nil, err
	}
	return ioutil.NopCloser(b), nil
}

func (db *DBStore) readBytes(name string) (*bytes.Buffer, error) {
	if db.env == nil {
		return nil, ErrDBStoreNotInitialized
	}

	var b *bytes.Buffer

	err := db.env.View(func(txn *lmdb.Txn) error {
		dbi, err := txn.OpenRoot(0)
		if err != nil {
			return err
		}

		data, err := txn.Get(dbi, []byte(name))
		if err != nil {
			return err
		}

		b = bytes.NewBuffer(data)
		return nil
	})

	if err != nil {
		// conform to semantics of store read operations and return
		// os.ErrNotExist if the entry was not found
		if lmdb.IsNotFound(err) {
			return nil, os.ErrNotExist
		}
		return nil, errors.Wrapf(err, "failed to read data for key %s", name)
	}
	return b, nil
}

func (db *DBStore) Remove(name string) error {
	if db.env == nil {
		panic("env is nil")
	}

	err := db.env.Update(func(txn *lmdb.Txn) error {
		dbi, err := txn.OpenRoot(0)
		if err != nil {
			return err
		}

		if err := txn.Del(dbi, []byte(name), nil); err != nil {
			// don't return error if the entry we are trying to remove
			// does not exits
			if lmdbErr, ok := err.(*lmdb.OpError); ok {
				if lmdbErr.Errno == lmdb.NotFound {
					return nil
				}
			}
			return err
		}
		return nil
	})

	if err != nil {
		return errors.Wrapf(err, "failed to delete key %s", name)
	}
	return nil
}

func (db *DBStore) OpenWrite(name string) (WriteCloserCommitter, error) {
	dbw := DBStoreWrite{
		dbs:  db,
		name: name,
	}
	return &dbw, nil
}

func (dbw *DBStoreWrite) Write(data []byte) (int, error) {
	return dbw.data.Write(data)
}

func (dbw *DBStoreWrite) Close() error {
	// nop
	return nil
}

func (dbw *DBStoreWrite) Commit() error {
	return dbw.dbs.writeBytes(dbw.name, &dbw.data)
}
