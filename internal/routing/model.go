// Package routing holds the typed, immutable routing/policy tree the
// gateway resolves every inbound call against, plus the validator and
// router that operate on it.
package routing

// Scope is the effective-access decision for a microservice, resource,
// or action.
type Scope int

const (
	// ScopeInherit means "ask the parent level" and is only valid on
	// Resource and Action; a Microservice always has a concrete scope.
	ScopeInherit Scope = iota
	ScopePublic
	ScopePrivate
)

func (s Scope) String() string {
	switch s {
	case ScopePublic:
		return "Public"
	case ScopePrivate:
		return "Private"
	default:
		return "Inherit"
	}
}

// Action is a named operation on a Resource: either an implicit CRUD
// verb (List, Get, Create, Update, Delete) or a configured custom
// action reachable via /actions/{name}.
type Action struct {
	Name  string
	Scope Scope
}

// Resource is a named collection exposed by a Microservice.
type Resource struct {
	Name    string
	Type    string
	Scope   Scope
	Actions []Action
}

// Microservice is a logical backend bound to one broker queue.
type Microservice struct {
	ID        string
	Queue     string
	Scope     Scope
	Resources []Resource
}

// Config is the immutable, in-memory routing/policy tree. It is built
// once at startup from the GatewayRouting section of the configuration
// document and never mutated afterwards; all lookups are case
// insensitive.
type Config struct {
	microservices []Microservice
	byID          map[string]*indexedMicroservice
}

type indexedMicroservice struct {
	ms        Microservice
	resources map[string]*indexedResource
}

type indexedResource struct {
	resource Resource
	actions  map[string]Action
}

// NewConfig indexes a slice of microservices for case-insensitive O(1)
// lookups. It does not validate the tree — call Validate (see
// validator.go) before trusting a Config built from external input.
func NewConfig(microservices []Microservice) *Config {
	cfg := &Config{
		microservices: microservices,
		byID:          make(map[string]*indexedMicroservice, len(microservices)),
	}
	for _, ms := range microservices {
		idx := &indexedMicroservice{ms: ms, resources: make(map[string]*indexedResource, len(ms.Resources))}
		for _, res := range ms.Resources {
			ridx := &indexedResource{resource: res, actions: make(map[string]Action, len(res.Actions))}
			for _, act := range res.Actions {
				ridx.actions[foldKey(act.Name)] = act
			}
			idx.resources[foldKey(res.Name)] = ridx
		}
		cfg.byID[foldKey(ms.ID)] = idx
	}
	return cfg
}

// Microservices returns the configured microservices in declaration
// order. Callers must not mutate the returned slice's elements.
func (c *Config) Microservices() []Microservice {
	if c == nil {
		return nil
	}
	return c.microservices
}

func foldKey(s string) string {
	return toLowerASCII(s)
}

// toLowerASCII avoids pulling in unicode-aware casing for identifiers
// that are always plain ASCII route segments and configuration keys.
func toLowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
