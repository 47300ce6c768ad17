package routing

import "testing"

func TestValidateCatchesAllViolationsInOnePass(t *testing.T) {
	microservices := []Microservice{
		{ID: "mainsite", Queue: "q1", Resources: []Resource{
			{Name: "Countries", Actions: []Action{{Name: "List"}, {Name: "list"}}},
			{Name: "countries"},
		}},
		{ID: "MainSite", Queue: ""},
		{ID: "  ", Queue: "q3"},
	}
	errs := Validate(microservices)
	if len(errs) == 0 {
		t.Fatalf("expected violations")
	}
	// duplicate id, empty queue, duplicate resource name, duplicate action name, blank id.
	var gotEmptyQueue, gotDupID, gotDupResource, gotDupAction, gotBlankID bool
	for _, e := range errs {
		switch {
		case e.Message == "must not be empty or whitespace" && e.Path == "microservices[2].id":
			gotBlankID = true
		case e.Path == "microservices[1].queue":
			gotEmptyQueue = true
		case e.Path == "microservices[1].id":
			gotDupID = true
		case e.Path == "microservices[0].resources[1].name":
			gotDupResource = true
		case e.Path == "microservices[0].resources[0].actions[1].name":
			gotDupAction = true
		}
	}
	if !(gotEmptyQueue && gotDupID && gotDupResource && gotDupAction && gotBlankID) {
		t.Fatalf("missing expected violations, got: %v", errs)
	}
}

func TestValidateCleanConfigPasses(t *testing.T) {
	errs := Validate([]Microservice{
		{ID: "mainsite", Queue: "q", Resources: []Resource{
			{Name: "Countries", Actions: []Action{{Name: "List"}, {Name: "Get"}}},
		}},
	})
	if len(errs) != 0 {
		t.Fatalf("expected no violations, got %v", errs)
	}
}

func TestFormatErrorsMultilineReadable(t *testing.T) {
	errs := Validate([]Microservice{{ID: "", Queue: ""}})
	msg := FormatErrors(errs)
	if msg == "" {
		t.Fatalf("expected non-empty message")
	}
}
