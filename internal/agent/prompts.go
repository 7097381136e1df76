package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/agentcore/internal/a2a"
	"github.com/mohammad-safakhou/agentcore/internal/ai"
	"github.com/mohammad-safakhou/agentcore/internal/executor"
	"github.com/mohammad-safakhou/agentcore/internal/mcp"
	"github.com/mohammad-safakhou/agentcore/internal/planner"
	"github.com/mohammad-safakhou/agentcore/internal/taskbuilder"
)

const templateGuide = `When a later call needs a value produced by an earlier call in the same reply, pass the string "$<index>.output.<field>" as the argument value, where <index> is the zero-based position of the earlier call and <field> is one of the output fields listed for that tool. Only earlier calls may be referenced, and only tools that list output fields can be referenced.`

func identity(desc AgentDescriptor) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s", desc.Name)
	if desc.Description != "" {
		fmt.Fprintf(&b, ", %s", strings.TrimSuffix(desc.Description, "."))
	}
	b.WriteString(".")
	if desc.Instructions != "" {
		b.WriteString("\n\n")
		b.WriteString(desc.Instructions)
	}
	return b.String()
}

// answerPrompt is used when the agent has no tools available.
func answerPrompt(desc AgentDescriptor) string {
	return identity(desc) + "\n\nAnswer the user directly and concisely."
}

func planningPrompt(desc AgentDescriptor, tools []mcp.ToolDescriptor, mode string) string {
	var b strings.Builder
	b.WriteString(identity(desc))
	b.WriteString("\n\nAnswer directly when no tool is needed. Otherwise call the tools required, in the order they must run.\n")
	b.WriteString(templateGuide)
	if mode == PlanningStructured {
		b.WriteString("\n\nReply with a JSON document holding \"reasoning\", an optional \"answer\" when no tool is needed, and \"calls\", a list of {\"tool_name\", \"arguments\"}.\n\nAvailable tools:\n")
		for _, t := range tools {
			fmt.Fprintf(&b, "- %s: %s\n", t.Name, oneLine(t.Description))
			if len(t.InputSchema) > 0 {
				fmt.Fprintf(&b, "  input schema: %s\n", compactJSON(t.InputSchema))
			}
			if fields := t.OutputProperties(); len(fields) > 0 {
				fmt.Fprintf(&b, "  output fields: %s\n", strings.Join(fields, ", "))
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func toolSpecs(tools []mcp.ToolDescriptor) []ai.ToolSpec {
	out := make([]ai.ToolSpec, 0, len(tools))
	for _, t := range tools {
		desc := oneLine(t.Description)
		if fields := t.OutputProperties(); len(fields) > 0 {
			desc = strings.TrimSpace(desc + " Output fields: " + strings.Join(fields, ", ") + ".")
		}
		params := t.InputSchema
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, ai.ToolSpec{Name: t.Name, Description: desc, Parameters: params})
	}
	return out
}

// priorTurns returns the plain conversation turns of an earlier task.
// Tool call and result messages are left out.
func priorTurns(prior *a2a.Task) []ai.Message {
	if prior == nil {
		return nil
	}
	var out []ai.Message
	for _, m := range prior.History {
		if kind, _ := m.Metadata[taskbuilder.MetaType].(string); kind != "" {
			continue
		}
		text := strings.TrimSpace(m.Text())
		if text == "" {
			continue
		}
		role := ai.RoleUser
		if m.Role == a2a.RoleAgent {
			role = ai.RoleAssistant
		}
		out = append(out, ai.Message{Role: role, Content: text})
	}
	return out
}

func synthesisPrompt(desc AgentDescriptor, maxWords int) string {
	return identity(desc) + fmt.Sprintf(`

Write the final reply to the user from the tool results below. Keep it under %d words. Full tool outputs are attached to the reply as artifacts; refer to them by name and do not copy their contents. Do not mention call ids, execution ids or server names.`, maxWords)
}

func executionSummary(iteration taskbuilder.Iteration, artifacts []a2a.Artifact) (assistant, user string) {
	var calls strings.Builder
	if iteration.Reasoning != "" {
		calls.WriteString(iteration.Reasoning)
		calls.WriteString("\n\n")
	}
	calls.WriteString("Tools called:")
	for i, c := range iteration.Calls {
		fmt.Fprintf(&calls, "\n%d. %s", i, c.ToolName)
	}

	var results strings.Builder
	results.WriteString("Tool results:\n")
	if iteration.State != nil {
		results.WriteString(iteration.State.Digest())
	}
	if len(artifacts) > 0 {
		results.WriteString("\n\nArtifacts attached to the reply:")
		for _, a := range artifacts {
			fmt.Fprintf(&results, "\n- %s: %s", a.Name, a.Description)
		}
	}
	results.WriteString("\n\nWrite the reply now.")
	return calls.String(), results.String()
}

func planFailurePrompt(desc AgentDescriptor) string {
	return identity(desc) + `

The tool plan prepared for the user's request was rejected before anything ran. Explain to the user in two or three sentences that the request could not be carried out and what they might rephrase. Do not mention call ids, indexes or template syntax.`
}

func planFailureDetail(err error) string {
	var verrs planner.ValidationErrors
	var b strings.Builder
	b.WriteString("Plan problems:")
	if errors.As(err, &verrs) {
		for _, v := range verrs {
			fmt.Fprintf(&b, "\n- %s on tool %s", v.Kind, v.ToolName)
			if v.Detail != "" {
				fmt.Fprintf(&b, ": %s", v.Detail)
			}
		}
	} else {
		fmt.Fprintf(&b, "\n- %v", err)
	}
	return b.String()
}

func toolFailurePrompt(desc AgentDescriptor) string {
	return identity(desc) + `

Every tool call made for the user's request failed. Explain briefly what could not be done. Do not mention call ids, execution ids or server names.`
}

func toolFailureDetail(state *executor.ExecutionState) string {
	var b strings.Builder
	b.WriteString("Failures:")
	for _, f := range state.Failures() {
		fmt.Fprintf(&b, "\n- %s: %s", f.ToolName, f.Error.Kind)
	}
	return b.String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func compactJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}
