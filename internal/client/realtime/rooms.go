package realtime

import "sort"

// roomSet is the set of conversation ids the server should route to us.
// Callers hold Manager.mu.
type roomSet map[string]struct{}

func (r roomSet) add(id string) bool {
	if _, ok := r[id]; ok {
		return false
	}
	r[id] = struct{}{}
	return true
}

func (r roomSet) remove(id string) bool {
	if _, ok := r[id]; !ok {
		return false
	}
	delete(r, id)
	return true
}

func (r roomSet) list() []string {
	out := make([]string, 0, len(r))
	for id := range r {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
