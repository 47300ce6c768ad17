package routing

// Router exposes the pure, side-effect-free lookups a request handler
// needs. It is safe for concurrent use: Config is frozen after
// construction and no method here mutates it.
type Router struct {
	cfg *Config
}

func NewRouter(cfg *Config) *Router {
	return &Router{cfg: cfg}
}

// ResolveQueue returns the target broker queue for a microservice, or
// ("", false) if the microservice is not configured. Callers serving
// HTTP must treat a missing microservice as a 400, not a panic.
func (r *Router) ResolveQueue(ms string) (string, bool) {
	idx, ok := r.lookup(ms)
	if !ok {
		return "", false
	}
	return idx.ms.Queue, true
}

// ResolveType returns the declared resource-type tag. ok is false if
// either the microservice or the resource is unknown.
func (r *Router) ResolveType(ms, resource string) (string, bool) {
	ridx, ok := r.lookupResource(ms, resource)
	if !ok {
		return "", false
	}
	return ridx.resource.Type, true
}

// IsResourceAllowed reports whether the microservice exists and
// declares the given resource.
func (r *Router) IsResourceAllowed(ms, resource string) bool {
	_, ok := r.lookupResource(ms, resource)
	return ok
}

// IsActionAllowed reports whether action is permitted on resource. A
// resource declaring zero actions is open by default at the action
// layer: any action name is allowed. This is the source system's
// observed behavior; the spec preserves it even though it is
// surprising for a default-deny gateway, so operators who want a
// closed resource must declare at least one action on it.
func (r *Router) IsActionAllowed(ms, resource, action string) bool {
	ridx, ok := r.lookupResource(ms, resource)
	if !ok {
		return false
	}
	if len(ridx.resource.Actions) == 0 {
		return true
	}
	_, ok = ridx.actions[foldKey(action)]
	return ok
}

// IsPublic is the effective-scope evaluator described by §4.3:
//  1. unknown microservice -> false
//  2. unknown resource -> false
//  3. a non-empty action with a concrete scope decides
//  4. else the resource's concrete scope decides
//  5. else the microservice's scope decides
//
// action may be empty for routes with no action segment (List/Get on
// the bare resource); in that case only the resource/microservice
// chain is consulted.
func (r *Router) IsPublic(ms, resource, action string) bool {
	ridx, ok := r.lookupResource(ms, resource)
	if !ok {
		return false
	}
	if action != "" {
		if act, ok := ridx.actions[foldKey(action)]; ok && act.Scope != ScopeInherit {
			return act.Scope == ScopePublic
		}
	}
	if ridx.resource.Scope != ScopeInherit {
		return ridx.resource.Scope == ScopePublic
	}
	midx, ok := r.lookup(ms)
	if !ok {
		return false
	}
	return midx.ms.Scope == ScopePublic
}

// ListMicroservices returns every configured microservice id, in
// declaration order, for the aggregated health probe to fan out over.
func (r *Router) ListMicroservices() []string {
	if r == nil || r.cfg == nil {
		return nil
	}
	ids := make([]string, 0, len(r.cfg.microservices))
	for _, ms := range r.cfg.microservices {
		ids = append(ids, ms.ID)
	}
	return ids
}

func (r *Router) lookup(ms string) (*indexedMicroservice, bool) {
	if r == nil || r.cfg == nil {
		return nil, false
	}
	idx, ok := r.cfg.byID[foldKey(ms)]
	return idx, ok
}

func (r *Router) lookupResource(ms, resource string) (*indexedResource, bool) {
	idx, ok := r.lookup(ms)
	if !ok {
		return nil, false
	}
	ridx, ok := idx.resources[foldKey(resource)]
	return ridx, ok
}
