package planner

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mohammad-safakhou/agentcore/internal/mcp"
)

func call(name, args string) PlannedCall {
	return PlannedCall{ToolName: name, Arguments: json.RawMessage(args)}
}

func tool(name, output string) mcp.ToolDescriptor {
	d := mcp.ToolDescriptor{ServerName: "s", Name: name}
	if output != "" {
		d.OutputSchema = json.RawMessage(output)
	}
	return d
}

const bodySchema = `{"type":"object","properties":{"body":{"type":"string"},"id":{"type":"string"}}}`

func validationErrors(t *testing.T, err error) ValidationErrors {
	t.Helper()
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %T %v", err, err)
	}
	return verrs
}

func TestParseTemplate(t *testing.T) {
	cases := []struct {
		in      string
		want    Template
		isTmpl  bool
		wantErr bool
	}{
		{"$0.output.body", Template{Index: 0, Path: []string{"body"}}, true, false},
		{"$12.output.items.0.text", Template{Index: 12, Path: []string{"items", "0", "text"}}, true, false},
		{"plain text", Template{}, false, false},
		{"$5 for coffee", Template{}, false, false},
		{"$x.output.body", Template{}, true, true},
		{"$.output.body", Template{}, true, true},
		{"$1.output.", Template{}, true, true},
		{"$1.output.a..b", Template{}, true, true},
		{"$-1.output.a", Template{}, true, true},
	}
	for _, tc := range cases {
		got, ok, err := ParseTemplate(tc.in)
		if ok != tc.isTmpl || (err != nil) != tc.wantErr {
			t.Fatalf("%q: ok=%v err=%v", tc.in, ok, err)
		}
		if tc.isTmpl && !tc.wantErr {
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("%q mismatch (-want +got):\n%s", tc.in, diff)
			}
			if got.String() != tc.in {
				t.Fatalf("round trip %q -> %q", tc.in, got.String())
			}
		}
	}
}

func TestValidateChainedPlan(t *testing.T) {
	calls := []PlannedCall{
		call("search", `{"q":"foo"}`),
		call("summarize", `{"text":"$0.output.body","opts":{"tags":["$0.output.id"]}}`),
	}
	tools := []mcp.ToolDescriptor{tool("search", bodySchema), tool("summarize", "")}
	if err := Validate(calls, tools); err != nil {
		t.Fatalf("expected valid plan, got %v", err)
	}
}

func TestValidateForwardReference(t *testing.T) {
	calls := []PlannedCall{call("a", `{"x":"$1.output.v"}`), call("b", `{}`)}
	tools := []mcp.ToolDescriptor{tool("a", ""), tool("b", `{"properties":{"v":{}}}`)}
	verrs := validationErrors(t, Validate(calls, tools))
	if len(verrs) != 1 || verrs[0].Kind != ForwardReference {
		t.Fatalf("expected single ForwardReference, got %v", verrs)
	}
	if verrs[0].Argument != "x" || verrs[0].CallIndex != 0 {
		t.Fatalf("unexpected location %+v", verrs[0])
	}
}

func TestValidateReportsEveryError(t *testing.T) {
	calls := []PlannedCall{
		call("search", `{"q":"$0.output.body"}`),
		call("plain", `{}`),
		call("summarize", `{"a":"$1.output.x","b":"$0.output.missing","c":"$7.output.body","d":"$zz.output.q"}`),
	}
	tools := []mcp.ToolDescriptor{tool("search", bodySchema), tool("plain", ""), tool("summarize", "")}
	verrs := validationErrors(t, Validate(calls, tools))

	want := []ErrorKind{SelfReference, NoOutputSchema, FieldNotFound, IndexOutOfBounds, InvalidTemplateSyntax}
	if diff := cmp.Diff(want, verrs.Kinds()); diff != "" {
		t.Fatalf("kinds mismatch (-want +got):\n%s", diff)
	}
	notFound := verrs[2]
	if notFound.Field != "missing" || notFound.RefToolName != "search" {
		t.Fatalf("unexpected FieldNotFound detail %+v", notFound)
	}
	if diff := cmp.Diff([]string{"body", "id"}, notFound.AvailableFields); diff != "" {
		t.Fatalf("available fields mismatch: %s", diff)
	}
	oob := verrs[3]
	if oob.Referenced != 7 || oob.MaxValid != 1 {
		t.Fatalf("unexpected bounds detail %+v", oob)
	}
}

func TestValidateOnlyChecksFirstPathSegment(t *testing.T) {
	calls := []PlannedCall{call("search", `{}`), call("next", `{"v":"$0.output.body.deep.field"}`)}
	tools := []mcp.ToolDescriptor{tool("search", bodySchema), tool("next", "")}
	if err := Validate(calls, tools); err != nil {
		t.Fatalf("deeper path segments must not be checked statically: %v", err)
	}
}

func TestValidateInvalidArguments(t *testing.T) {
	calls := []PlannedCall{call("a", `[1,2]`)}
	verrs := validationErrors(t, Validate(calls, []mcp.ToolDescriptor{tool("a", "")}))
	if verrs[0].Kind != InvalidArguments {
		t.Fatalf("expected InvalidArguments, got %v", verrs)
	}
}

func TestValidatePlanUnknownTool(t *testing.T) {
	calls := []PlannedCall{call("search", `{}`), call("ghost", `{"x":"$0.output.body"}`)}
	aligned, err := ValidatePlan(calls, []mcp.ToolDescriptor{tool("search", bodySchema)})
	verrs := validationErrors(t, err)
	if len(verrs) != 1 || verrs[0].Kind != UnknownTool || verrs[0].ToolName != "ghost" {
		t.Fatalf("expected UnknownTool for ghost, got %v", verrs)
	}
	if len(aligned) != 2 || aligned[0].ServerName != "s" || aligned[1].Name != "ghost" {
		t.Fatalf("unexpected alignment %+v", aligned)
	}
}

func TestValidatePlanRepeatedTool(t *testing.T) {
	calls := []PlannedCall{call("search", `{"q":"a"}`), call("search", `{"q":"$0.output.body"}`)}
	aligned, err := ValidatePlan(calls, []mcp.ToolDescriptor{tool("search", bodySchema)})
	if err != nil {
		t.Fatalf("repeated tools are addressed by index: %v", err)
	}
	if len(aligned) != 2 {
		t.Fatalf("expected two aligned descriptors")
	}
}

func TestDecodePlanResponse(t *testing.T) {
	resp, err := DecodePlanResponse([]byte(`{"reasoning":"two steps","calls":[{"tool_name":"search","arguments":{"q":"x"}}]}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Calls) != 1 || resp.Calls[0].ID == "" || string(resp.Calls[0].Arguments) != `{"q":"x"}` {
		t.Fatalf("unexpected plan %+v", resp)
	}
	if _, err := DecodePlanResponse([]byte(`{"calls":[]}`)); err == nil {
		t.Fatalf("expected schema error for missing reasoning")
	}
}
