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


package graphstore

import "errors"

var (
	// ErrPreviewObject indicates an attempt to store an object returned by
	// Query before it was filled.
	ErrPreviewObject = errors.New("cannot store a preview object")

	// ErrLastStorage indicates an attempt to delete the only storage left.
	ErrLastStorage = errors.New("cannot delete the last storage")

	// ErrUnknownStorage indicates a storage name the manager does not have.
	ErrUnknownStorage = errors.New("unknown storage")

	// ErrInvalidName indicates a storage name that sanitizes to nothing.
	ErrInvalidName = errors.New("invalid storage name")

	// ErrNoBackupSink indicates a backup of an in-memory storage with no
	// sink configured.
	ErrNoBackupSink = errors.New("no backup destination")
)
