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


package serializer

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownType indicates a stored type name could not be bound to a
	// registered type.
	ErrUnknownType = errors.New("unknown document type")

	// ErrInvalidKey indicates a document key that is neither an ID nor a
	// composite root/child key.
	ErrInvalidKey = errors.New("invalid document key")

	// ErrMalformedDocument indicates a payload without the fields every
	// document carries.
	ErrMalformedDocument = errors.New("malformed document")
)

// TypeResolutionError is returned when the binder exhausted every strategy
// for a stored type name.
type TypeResolutionError struct {
	Name string
}

func (e *TypeResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve document type %q", e.Name)
}

func (e *TypeResolutionError) Unwrap() error {
	return ErrUnknownType
}
