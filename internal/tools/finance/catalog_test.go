package finance

import (
	"encoding/json"
	"testing"
)

func TestCatalogClassification(t *testing.T) {
	exempt := map[string]bool{
		InitiateAuthentication:    true,
		CompleteAuthentication:    true,
		CheckAuthenticationStatus: true,
		DisconnectAccount:         true,
	}
	for _, tool := range All() {
		want := ClassData
		if exempt[tool.Name()] {
			want = ClassExempt
		}
		if tool.Class() != want {
			t.Errorf("%s class = %s, want %s", tool.Name(), tool.Class(), want)
		}
	}
}

func TestCatalogSchemasAreObjects(t *testing.T) {
	for _, tool := range All() {
		var schema struct {
			Type       string                     `json:"type"`
			Properties map[string]json.RawMessage `json:"properties"`
			Required   []string                   `json:"required"`
		}
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			t.Fatalf("%s schema: %v", tool.Name(), err)
		}
		if schema.Type != "object" {
			t.Errorf("%s schema type = %q", tool.Name(), schema.Type)
		}
		if _, ok := schema.Properties["userId"]; !ok {
			t.Errorf("%s schema lacks userId", tool.Name())
		}
		if tool.Description() == "" {
			t.Errorf("%s has no description", tool.Name())
		}
	}
}

func TestDataToolsMapToRemoteMethods(t *testing.T) {
	for _, tool := range All() {
		if tool.Class() != ClassData {
			continue
		}
		if tool.Composite() {
			if tool.RemoteMethod() != "" {
				t.Errorf("%s composite should not have a remote method", tool.Name())
			}
			continue
		}
		if tool.RemoteMethod() == "" {
			t.Errorf("%s has no remote method", tool.Name())
		}
	}
}

func TestPortfolioMembersAreDataTools(t *testing.T) {
	tool, ok := Lookup(AnalyzePortfolio)
	if !ok {
		t.Fatal("analyzePortfolio missing")
	}
	members := tool.Members()
	if len(members) != 4 {
		t.Fatalf("members = %v, want 4", members)
	}
	for _, name := range members {
		member, ok := Lookup(name)
		if !ok || member.Class() != ClassData || member.Composite() {
			t.Errorf("member %s is not a plain data tool", name)
		}
	}

	members[0] = "mutated"
	if again := tool.Members(); again[0] == "mutated" {
		t.Error("Members leaks internal slice")
	}
}

func TestLookupUnknown(t *testing.T) {
	if _, ok := Lookup("transferFunds"); ok {
		t.Fatal("unexpected tool")
	}
}
