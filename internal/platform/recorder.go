package platform

import "sync"

// Recorder is an in-memory StateWriter. It backs the HTTP state view and tests.
type Recorder struct {
	mu       sync.RWMutex
	entities map[string]Entity
	states   map[string]EntityState
	history  map[string][]EntityState
	removed  []string
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		entities: make(map[string]Entity),
		states:   make(map[string]EntityState),
		history:  make(map[string][]EntityState),
	}
}

func (r *Recorder) AddEntity(e Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entities[e.UniqueID()] = e
	return nil
}

func (r *Recorder) WriteState(e Entity, st EntityState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[e.UniqueID()] = st
	r.history[e.UniqueID()] = append(r.history[e.UniqueID()], st)
	return nil
}

func (r *Recorder) RemoveEntity(e Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entities, e.UniqueID())
	delete(r.states, e.UniqueID())
	r.removed = append(r.removed, e.UniqueID())
	return nil
}

// Entity returns an announced entity.
func (r *Recorder) Entity(uniqueID string) (Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[uniqueID]
	return e, ok
}

// State returns the latest state written for uniqueID.
func (r *Recorder) State(uniqueID string) (EntityState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.states[uniqueID]
	return st, ok
}

// States returns a copy of the latest state of every entity.
func (r *Recorder) States() map[string]EntityState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]EntityState, len(r.states))
	for k, v := range r.states {
		out[k] = v
	}
	return out
}

// Writes returns how many states were written for uniqueID.
func (r *Recorder) Writes(uniqueID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.history[uniqueID])
}

// Removed returns the unique ids withdrawn so far.
func (r *Recorder) Removed() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.removed...)
}

// MultiWriter fans every call out to several writers and returns the first error.
type MultiWriter []StateWriter

func (m MultiWriter) AddEntity(e Entity) error {
	var first error
	for _, w := range m {
		if err := w.AddEntity(e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m MultiWriter) WriteState(e Entity, st EntityState) error {
	var first error
	for _, w := range m {
		if err := w.WriteState(e, st); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m MultiWriter) RemoveEntity(e Entity) error {
	var first error
	for _, w := range m {
		if err := w.RemoveEntity(e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
