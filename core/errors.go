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


package core

import "errors"

var (
	// ErrInvalidStorable indicates a Storable failed validation.
	ErrInvalidStorable = errors.New("invalid storable")

	// ErrNilStorable indicates a nil Storable was passed where one is required.
	ErrNilStorable = errors.New("storable is nil")

	// ErrMissingID indicates a Storable has no identity assigned.
	ErrMissingID = errors.New("storable has no ID")

	// ErrMissingTypeName indicates a Storable does not report a document type.
	ErrMissingTypeName = errors.New("storable has no type name")

	// ErrUnknownProperty indicates a property name not declared by the type.
	ErrUnknownProperty = errors.New("unknown property")

	// ErrPropertyType indicates a value could not be assigned to a declared property.
	ErrPropertyType = errors.New("property type mismatch")
)
