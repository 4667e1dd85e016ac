package toolconv

import (
	"testing"

	"google.golang.org/genai"

	"github.com/haasonsaas/fingate/internal/agent"
	"github.com/haasonsaas/fingate/internal/tools/finance"
)

func catalog() []agent.Tool {
	return agent.Declarations(finance.All())
}

func TestToGeminiTools(t *testing.T) {
	tools := ToGeminiTools(catalog())
	if len(tools) != 1 {
		t.Fatalf("got %d gemini tools, want 1", len(tools))
	}
	decls := tools[0].FunctionDeclarations
	if len(decls) != len(finance.All()) {
		t.Fatalf("got %d declarations", len(decls))
	}

	var initiate *genai.FunctionDeclaration
	for _, d := range decls {
		if d.Name == finance.InitiateAuthentication {
			initiate = d
		}
	}
	if initiate == nil {
		t.Fatal("initiateAuthentication missing")
	}
	if initiate.Parameters.Type != genai.TypeObject {
		t.Errorf("type = %q", initiate.Parameters.Type)
	}
	if initiate.Parameters.Properties["phoneNumber"].Type != genai.TypeString {
		t.Errorf("phoneNumber = %+v", initiate.Parameters.Properties["phoneNumber"])
	}
	if len(initiate.Parameters.Required) != 2 {
		t.Errorf("required = %v", initiate.Parameters.Required)
	}
}

func TestToGeminiToolsEmpty(t *testing.T) {
	if ToGeminiTools(nil) != nil {
		t.Fatal("expected nil for no tools")
	}
}

func TestToAnthropicTools(t *testing.T) {
	tools, err := ToAnthropicTools(catalog())
	if err != nil {
		t.Fatalf("ToAnthropicTools: %v", err)
	}
	if len(tools) != len(finance.All()) {
		t.Fatalf("got %d tools", len(tools))
	}
	first := tools[0].OfTool
	if first == nil || first.Name == "" || first.Description.Value == "" {
		t.Fatalf("first tool = %+v", first)
	}
}

func TestToOpenAITools(t *testing.T) {
	tools := ToOpenAITools(catalog())
	if len(tools) != len(finance.All()) {
		t.Fatalf("got %d tools", len(tools))
	}
	for _, tool := range tools {
		params, ok := tool.Function.Parameters.(map[string]any)
		if !ok || params["type"] != "object" {
			t.Errorf("%s parameters = %#v", tool.Function.Name, tool.Function.Parameters)
		}
	}
}
