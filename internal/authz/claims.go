package authz

import "encoding/json"

// FlattenSentinel marks a principal's role set as already flattened so
// repeated middleware passes are no-ops.
const FlattenSentinel = "__kc_roles_flattened"

// FlattenKeycloakRoles normalizes the identity provider's nested
// realm_access/resource_access role claims into the principal's flat
// Roles list:
//
//	realm_access.roles[*]             -> "realm:<role>"
//	resource_access.<clientId>.roles[*] -> "<clientId>:<role>"
//
// The transformation is idempotent: if raw already carries the
// sentinel, Roles is returned unchanged. Malformed or absent claims are
// not an error — a token may legitimately lack them.
func FlattenKeycloakRoles(existing []string, raw map[string]json.RawMessage) []string {
	if raw != nil {
		if _, done := raw[FlattenSentinel]; done {
			return existing
		}
	}

	seen := make(map[string]struct{}, len(existing))
	out := make([]string, 0, len(existing))
	for _, r := range existing {
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}

	add := func(role string) {
		if _, dup := seen[role]; dup {
			return
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}

	if realmRaw, ok := raw["realm_access"]; ok {
		var realm struct {
			Roles []string `json:"roles"`
		}
		if err := json.Unmarshal(realmRaw, &realm); err == nil {
			for _, role := range realm.Roles {
				add("realm:" + role)
			}
		}
	}

	if resourceRaw, ok := raw["resource_access"]; ok {
		var resources map[string]struct {
			Roles []string `json:"roles"`
		}
		if err := json.Unmarshal(resourceRaw, &resources); err == nil {
			for clientID, entry := range resources {
				for _, role := range entry.Roles {
					add(clientID + ":" + role)
				}
			}
		}
	}

	if raw != nil {
		raw[FlattenSentinel] = json.RawMessage("1")
	}
	return out
}
