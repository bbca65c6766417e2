// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package storage defines the document store the object graph is persisted
// into.
//
// The store is schemaless: a document is a JSON payload stored under a
// string key, plus named binary attachments and a monotonically increasing
// revision. Root entities are stored under their own ID; children stored by
// reference live under the composite key "rootID&childID" so that a single
// range delete over the root ID removes a whole aggregate.
//
// # Architecture
//
//   - DocumentStore: transactions, view registration, maintenance
//   - Txn: get/put/delete, range delete, attachments and view queries
//   - MapFunc: turns a document into secondary index rows
//
// Secondary indexes are views. Each view has a map function that emits
// ordered key tuples plus a preview payload for every document it accepts.
// Views carry a version string and are rebuilt when it changes.
//
// # Usage
//
// Open a BadgerDB backed store:
//
//	store, err := badger.OpenBackend("/path/to/db", false)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
// Use in tests with in-memory storage:
//
//	store, err := badger.NewMemoryBackend()
//
// # Errors
//
// Missing documents surface as ErrNotFound. Failures inside a store or
// delete transaction are wrapped in *StorageError, which unwraps to the
// cause; nothing the transaction attempted is applied.
//
// # Context Support
//
// Transactions accept context.Context and fail fast when it is already
// done. Pass context.Background() for operations without specific timeout
// requirements.
package storage
