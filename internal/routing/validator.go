package routing

import (
	"fmt"
	"strings"
)

// ValidationError is one violated invariant, with enough context for an
// operator to find and fix it without re-reading the whole document.
type ValidationError struct {
	Path    string
	Message string
}

func (e ValidationError) String() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validate checks the five routing invariants and returns every
// violation found in one pass, so operators can fix a misconfigured
// document in a single edit cycle instead of a fail-fast loop.
//
//  1. microservice.id unique (case-insensitive)
//  2. microservice.queue non-empty
//  3. resource.name unique within its microservice
//  4. action.name unique within its resource
//  5. no empty/whitespace identifier at any level
func Validate(microservices []Microservice) []ValidationError {
	var errs []ValidationError
	seenIDs := map[string]int{}
	for i, ms := range microservices {
		path := fmt.Sprintf("microservices[%d]", i)
		if isBlank(ms.ID) {
			errs = append(errs, ValidationError{path + ".id", "must not be empty or whitespace"})
		} else {
			key := foldKey(ms.ID)
			seenIDs[key]++
			if seenIDs[key] > 1 {
				errs = append(errs, ValidationError{path + ".id", fmt.Sprintf("duplicate microservice id %q", ms.ID)})
			}
		}
		if isBlank(ms.Queue) {
			errs = append(errs, ValidationError{path + ".queue", fmt.Sprintf("microservice %q: queue must not be empty", ms.ID)})
		}
		errs = append(errs, validateResources(path, ms)...)
	}
	return errs
}

func validateResources(msPath string, ms Microservice) []ValidationError {
	var errs []ValidationError
	seen := map[string]int{}
	for j, res := range ms.Resources {
		path := fmt.Sprintf("%s.resources[%d]", msPath, j)
		if isBlank(res.Name) {
			errs = append(errs, ValidationError{path + ".name", fmt.Sprintf("microservice %q: resource name must not be empty or whitespace", ms.ID)})
		} else {
			key := foldKey(res.Name)
			seen[key]++
			if seen[key] > 1 {
				errs = append(errs, ValidationError{path + ".name", fmt.Sprintf("microservice %q: duplicate resource name %q", ms.ID, res.Name)})
			}
		}
		errs = append(errs, validateActions(path, ms.ID, res)...)
	}
	return errs
}

func validateActions(resPath, msID string, res Resource) []ValidationError {
	var errs []ValidationError
	seen := map[string]int{}
	for k, act := range res.Actions {
		path := fmt.Sprintf("%s.actions[%d]", resPath, k)
		if isBlank(act.Name) {
			errs = append(errs, ValidationError{path + ".name", fmt.Sprintf("microservice %q, resource %q: action name must not be empty or whitespace", msID, res.Name)})
			continue
		}
		key := foldKey(act.Name)
		seen[key]++
		if seen[key] > 1 {
			errs = append(errs, ValidationError{path + ".name", fmt.Sprintf("microservice %q, resource %q: duplicate action name %q", msID, res.Name, act.Name)})
		}
	}
	return errs
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// FormatErrors renders a human-readable, multi-line summary suitable
// for a startup abort message.
func FormatErrors(errs []ValidationError) string {
	if len(errs) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "invalid routing configuration: %d error(s) found\n", len(errs))
	for _, e := range errs {
		fmt.Fprintf(&b, "  - %s\n", e.String())
	}
	return b.String()
}
