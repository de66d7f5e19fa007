package ingest

// Registry holds the live runners keyed by stream name. It backs the query
// surface's stream-state lookups and the operator resync command. Reads go
// through each reconciler's atomics, so no locking is needed after Register
// calls finish (all registration happens before the runners start).
type Registry struct {
	runners map[string]*Runner
}

func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]*Runner)}
}

func (g *Registry) Register(r *Runner) {
	g.runners[r.Stream()] = r
}

// Runner returns the runner for a stream, or nil.
func (g *Registry) Runner(stream string) *Runner {
	return g.runners[stream]
}

// Runners returns all registered runners.
func (g *Registry) Runners() []*Runner {
	out := make([]*Runner, 0, len(g.runners))
	for _, r := range g.runners {
		out = append(out, r)
	}
	return out
}

// StreamState implements the query surface's state lookup.
func (g *Registry) StreamState(stream string) (string, bool) {
	r, ok := g.runners[stream]
	if !ok {
		return "unknown", false
	}
	rec := r.Reconciler()
	return rec.State().String(), rec.Provisional()
}

// Resync asks a stream to drop its cursor and re-read from the earliest
// point. Returns false for an unknown stream.
func (g *Registry) Resync(stream string) bool {
	r, ok := g.runners[stream]
	if !ok {
		return false
	}
	r.RequestResync()
	return true
}
