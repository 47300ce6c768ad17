package authz

import (
	"encoding/json"
	"reflect"
	"sort"
	"testing"
)

func rawClaims(t *testing.T, m map[string]interface{}) map[string]json.RawMessage {
	t.Helper()
	out := map[string]json.RawMessage{}
	for k, v := range m {
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal %q: %v", k, err)
		}
		out[k] = b
	}
	return out
}

func TestFlattenKeycloakRolesAddsRealmAndResourceRoles(t *testing.T) {
	raw := rawClaims(t, map[string]interface{}{
		"realm_access": map[string]interface{}{"roles": []string{"admin", "user"}},
		"resource_access": map[string]interface{}{
			"gc-gateway-api": map[string]interface{}{"roles": []string{"caller"}},
		},
	})
	got := FlattenKeycloakRoles(nil, raw)
	sort.Strings(got)
	want := []string{"gc-gateway-api:caller", "realm:admin", "realm:user"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestFlattenKeycloakRolesIdempotent(t *testing.T) {
	raw := rawClaims(t, map[string]interface{}{
		"realm_access": map[string]interface{}{"roles": []string{"admin"}},
	})
	once := FlattenKeycloakRoles(nil, raw)
	twice := FlattenKeycloakRoles(once, raw)
	sort.Strings(once)
	sort.Strings(twice)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("not idempotent: once=%v twice=%v", once, twice)
	}
}

func TestFlattenKeycloakRolesMissingClaimsIsNoop(t *testing.T) {
	got := FlattenKeycloakRoles([]string{"pre-existing"}, map[string]json.RawMessage{})
	if !reflect.DeepEqual(got, []string{"pre-existing"}) {
		t.Fatalf("got %v", got)
	}
}

func TestFlattenKeycloakRolesMalformedClaimSwallowed(t *testing.T) {
	raw := map[string]json.RawMessage{
		"realm_access": json.RawMessage(`"not an object"`),
	}
	got := FlattenKeycloakRoles(nil, raw)
	if len(got) != 0 {
		t.Fatalf("expected malformed claim to be swallowed, got %v", got)
	}
}

func TestFlattenKeycloakRolesHonorsSentinel(t *testing.T) {
	raw := map[string]json.RawMessage{
		FlattenSentinel: json.RawMessage(`1`),
		"realm_access":  json.RawMessage(`{"roles":["admin"]}`),
	}
	got := FlattenKeycloakRoles([]string{"kept"}, raw)
	if !reflect.DeepEqual(got, []string{"kept"}) {
		t.Fatalf("expected sentinel to short-circuit, got %v", got)
	}
}
