// Copyright 2026 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nodevisor

import (
	"sync"
)

// Registry is the set of currently supervised processes, keyed by id.
// It remembers insertion order so listings are stable.  All methods are
// safe for concurrent use.
type Registry struct {
	procs map[string]*Process
	order []string
	mx    sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{procs: make(map[string]*Process)}
}

// Register adds the process.  It fails with ErrDuplicateId if a process
// with the same id is already present.
func (r *Registry) Register(p *Process) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.procs[p.id]; ok {
		return ErrDuplicateId
	}
	r.procs[p.id] = p
	r.order = append(r.order, p.id)
	return nil
}

func (r *Registry) Lookup(id string) (*Process, error) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	if p, ok := r.procs[id]; ok {
		return p, nil
	}
	return nil, ErrNotFound
}

// Remove deletes the process with the given id, returning true if it was
// present.
func (r *Registry) Remove(id string) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.procs[id]; !ok {
		return false
	}
	delete(r.procs, id)
	for i, x := range r.order {
		if x == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// List returns the processes in the order they were registered.
func (r *Registry) List() []*Process {
	r.mx.RLock()
	defer r.mx.RUnlock()
	rv := make([]*Process, 0, len(r.order))
	for _, id := range r.order {
		rv = append(rv, r.procs[id])
	}
	return rv
}

// Ids returns the ids of all registered processes, in order.
func (r *Registry) Ids() []string {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return append(make([]string, 0, len(r.order)), r.order...)
}

// FindByPath returns the processes running entry from dir.
func (r *Registry) FindByPath(dir, entry string) []*Process {
	r.mx.RLock()
	defer r.mx.RUnlock()
	var rv []*Process
	for _, id := range r.order {
		if p := r.procs[id]; p.dir == dir && p.entry == entry {
			rv = append(rv, p)
		}
	}
	return rv
}

func (r *Registry) Len() int {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return len(r.procs)
}
