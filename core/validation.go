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

import "fmt"

// ValidateStorable validates a Storable before it is written.
//
// Validation rules:
//   - The storable must not be nil
//   - TypeName must not be empty
//   - ID must be set, except for the metadata record which lives under NilID
func ValidateStorable(s Storable) error {
	if IsNil(s) {
		return fmt.Errorf("%w: %w", ErrInvalidStorable, ErrNilStorable)
	}

	if s.TypeName() == "" {
		return fmt.Errorf("%w: %T: %w", ErrInvalidStorable, s, ErrMissingTypeName)
	}

	if s.ID() == NilID && !IsStorageInfo(s) {
		return fmt.Errorf("%w: %s: %w", ErrInvalidStorable, s.TypeName(), ErrMissingID)
	}

	return nil
}
