package routing

import "testing"

func sampleConfig() *Config {
	return NewConfig([]Microservice{
		{
			ID:    "mainsite",
			Queue: "mainsite_queue",
			Scope: ScopePrivate,
			Resources: []Resource{
				{
					Name:  "Countries",
					Type:  "DATA",
					Scope: ScopePublic,
					Actions: []Action{
						{Name: "List", Scope: ScopePublic},
					},
				},
				{
					Name:  "GameTypes",
					Type:  "DATA",
					Scope: ScopeInherit,
				},
				{
					Name:  "Orders",
					Type:  "DATA",
					Scope: ScopeInherit,
					Actions: []Action{
						{Name: "List", Scope: ScopeInherit},
						{Name: "Refund", Scope: ScopePublic},
					},
				},
			},
		},
	})
}

func TestResolveQueueCaseInsensitive(t *testing.T) {
	r := NewRouter(sampleConfig())
	q1, ok1 := r.ResolveQueue("MainSite")
	q2, ok2 := r.ResolveQueue("mainsite")
	if !ok1 || !ok2 || q1 != q2 || q1 != "mainsite_queue" {
		t.Fatalf("case-insensitive queue resolution failed: %q %v / %q %v", q1, ok1, q2, ok2)
	}
	if _, ok := r.ResolveQueue("unknown"); ok {
		t.Fatalf("expected unknown microservice to resolve to nothing")
	}
}

func TestResolveType(t *testing.T) {
	r := NewRouter(sampleConfig())
	typ, ok := r.ResolveType("mainsite", "countries")
	if !ok || typ != "DATA" {
		t.Fatalf("got %q %v", typ, ok)
	}
	if _, ok := r.ResolveType("mainsite", "nope"); ok {
		t.Fatalf("expected missing resource to fail")
	}
	if _, ok := r.ResolveType("nope", "countries"); ok {
		t.Fatalf("expected missing microservice to fail")
	}
}

func TestIsResourceAllowed(t *testing.T) {
	r := NewRouter(sampleConfig())
	if !r.IsResourceAllowed("MAINSITE", "COUNTRIES") {
		t.Fatalf("expected resource to be allowed case-insensitively")
	}
	if r.IsResourceAllowed("mainsite", "nonexistent") {
		t.Fatalf("expected unknown resource to be disallowed")
	}
	if r.IsResourceAllowed("nope", "countries") {
		t.Fatalf("expected unknown microservice to be disallowed")
	}
}

func TestIsActionAllowedOpenByDefault(t *testing.T) {
	r := NewRouter(sampleConfig())
	// GameTypes declares zero actions: any action name must be allowed.
	if !r.IsActionAllowed("mainsite", "gametypes", "AnythingGoes") {
		t.Fatalf("expected open-by-default action allowance")
	}
	if !r.IsActionAllowed("mainsite", "gametypes", "") {
		t.Fatalf("expected open-by-default action allowance for empty action")
	}
}

func TestIsActionAllowedClosed(t *testing.T) {
	r := NewRouter(sampleConfig())
	if !r.IsActionAllowed("mainsite", "countries", "list") {
		t.Fatalf("expected declared action to be allowed")
	}
	if r.IsActionAllowed("mainsite", "countries", "delete") {
		t.Fatalf("expected undeclared action to be disallowed once actions are declared")
	}
	if r.IsActionAllowed("nope", "countries", "list") {
		t.Fatalf("expected unknown microservice to be disallowed")
	}
}

func TestIsPublicChain(t *testing.T) {
	r := NewRouter(sampleConfig())
	cases := []struct {
		ms, resource, action string
		want                 bool
	}{
		{"mainsite", "countries", "List", true},  // action scope decides
		{"mainsite", "countries", "", true},      // resource scope decides (no action given)
		{"mainsite", "gametypes", "", false},     // inherits microservice (Private)
		{"mainsite", "orders", "List", false},    // action inherits -> resource inherits -> ms Private
		{"mainsite", "orders", "Refund", true},   // action scope decides
		{"unknown", "countries", "List", false},  // unknown ms
		{"mainsite", "unknown", "List", false},   // unknown resource
	}
	for _, tc := range cases {
		got := r.IsPublic(tc.ms, tc.resource, tc.action)
		if got != tc.want {
			t.Errorf("IsPublic(%q,%q,%q) = %v, want %v", tc.ms, tc.resource, tc.action, got, tc.want)
		}
	}
}

func TestListMicroservices(t *testing.T) {
	r := NewRouter(sampleConfig())
	ids := r.ListMicroservices()
	if len(ids) != 1 || ids[0] != "mainsite" {
		t.Fatalf("got %v", ids)
	}
}
