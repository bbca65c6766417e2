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


// Package graphstore persists graphs of entities into a document store.
//
// Entities implement core.Storable, usually by embedding core.Base, and
// declare their properties in Describe. A Storage writes a whole graph in
// one transaction: only the documents of changed entities are rewritten,
// children that are no longer referenced are deleted, and non-storable
// objects shared within a document are written once and referenced.
//
// Basic usage:
//
//	registry := serializer.NewRegistry()
//	serializer.Register[Project](registry)
//
//	st, err := graphstore.Open("/var/lib/app/projects", registry)
//	if err != nil {
//		return err
//	}
//	defer st.Close()
//
//	if err := st.Store(ctx, project, false); err != nil {
//		return err
//	}
//	for p, err := range graphstore.Query[Project](ctx, st, filter) {
//		...
//	}
package graphstore
