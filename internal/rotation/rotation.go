// Package rotation keeps the round-robin turn order of technicians.
//
// The rotation does not know who is busy; callers pass the busy set derived
// from the active services on every query.
package rotation

import "strings"

type Rotation struct {
	roster map[string]struct{}
	names  []string
	queue  []string
}

func New(roster []string) *Rotation {
	r := &Rotation{roster: make(map[string]struct{}, len(roster))}
	for _, name := range roster {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, exists := r.roster[name]; exists {
			continue
		}
		r.roster[name] = struct{}{}
		r.names = append(r.names, name)
		r.queue = append(r.queue, name)
	}
	return r
}

// Roster returns the configured technicians in configuration order.
func (r *Rotation) Roster() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// NextAvailable returns the first queued technician that is not busy.
func (r *Rotation) NextAvailable(busy map[string]bool) (string, bool) {
	for _, name := range r.queue {
		if !busy[name] {
			return name, true
		}
	}
	return "", false
}

// Available returns every idle technician in queue order.
func (r *Rotation) Available(busy map[string]bool) []string {
	available := make([]string, 0, len(r.queue))
	for _, name := range r.queue {
		if !busy[name] {
			available = append(available, name)
		}
	}
	return available
}

// Rotate moves after to the back of the queue. Unknown names are ignored.
func (r *Rotation) Rotate(after string) {
	for i, name := range r.queue {
		if name != after {
			continue
		}
		copy(r.queue[i:], r.queue[i+1:])
		r.queue[len(r.queue)-1] = name
		return
	}
}

func (r *Rotation) Queue() []string {
	out := make([]string, len(r.queue))
	copy(out, r.queue)
	return out
}

func (r *Rotation) Known(name string) bool {
	_, ok := r.roster[name]
	return ok
}

// Restore applies a previously saved queue order. Names that left the roster
// are dropped and roster members missing from saved keep their roster order
// at the back.
func (r *Rotation) Restore(saved []string) {
	if len(saved) == 0 {
		return
	}
	seen := make(map[string]struct{}, len(r.queue))
	queue := make([]string, 0, len(r.queue))
	for _, name := range saved {
		if !r.Known(name) {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		queue = append(queue, name)
	}
	for _, name := range r.names {
		if _, ok := seen[name]; !ok {
			queue = append(queue, name)
		}
	}
	r.queue = queue
}
