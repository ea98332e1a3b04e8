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

// Package store implements the key/value persistence backends the
// Session Store (app.Store) delegates to: an LMDB-backed store for
// production use, a directory store (also backing the failure-reason
// journal), and in-memory and mock stores for tests.
package store

import (
	"io"

	"github.com/pkg/errors"
)

// NoTransactionSupport is returned by WriteTransaction/ReadTransaction
// on backends that cannot group operations atomically.
var NoTransactionSupport error = errors.New("no transaction support in this store")

// WriteCloserCommitter wraps io.WriteCloser with a Commit step,
// separating "data written" from "data durably visible to readers".
type WriteCloserCommitter interface {
	io.WriteCloser
	Commit() error
}

// Transaction is the minimal read/write surface a backend exposes
// inside a WriteTransaction/ReadTransaction callback.
type Transaction interface {
	ReadAll(name string) ([]byte, error)
	WriteAll(name string, data []byte) error
	Remove(name string) error
}

// Store is the common backend interface. Errors preserve os I/O
// semantics: OpenRead/ReadAll on a missing entry returns
// os.ErrNotExist (or an error satisfying os.IsNotExist).
type Store interface {
	Transaction

	OpenRead(name string) (io.ReadCloser, error)
	OpenWrite(name string) (WriteCloserCommitter, error)

	Close() error

	WriteTransaction(txnFunc func(txn Transaction) error) error
	ReadTransaction(txnFunc func(txn Transaction) error) error
}
