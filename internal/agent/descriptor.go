// Package agent resolves agent descriptors and drives a request from the
// user message to a terminal task.
package agent

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Extension URIs understood in capabilities.extensions.
const (
	ExtSystemInstructions = "urn:agentcore:ext:system-instructions"
	ExtMCPServers         = "urn:agentcore:ext:mcp-servers"
	ExtSkills             = "urn:agentcore:ext:skills"
)

// Planning modes. Tools uses the vendor's native function calling;
// structured asks for a JSON plan document.
const (
	PlanningTools      = "tools"
	PlanningStructured = "structured"
)

// ErrInvalidDescriptor is wrapped by every descriptor validation failure.
var ErrInvalidDescriptor = errors.New("invalid agent descriptor")

// Extension is one capability declaration.
type Extension struct {
	URI         string         `yaml:"uri" json:"uri"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Required    bool           `yaml:"required,omitempty" json:"required,omitempty"`
	Params      map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// Capabilities lists the extensions an agent declares.
type Capabilities struct {
	Extensions []Extension `yaml:"extensions" json:"extensions"`
}

// Defaults are the model settings used when the request carries no override.
type Defaults struct {
	Provider        string `yaml:"provider,omitempty" json:"provider,omitempty"`
	Model           string `yaml:"model,omitempty" json:"model,omitempty"`
	MaxOutputTokens int    `yaml:"max_output_tokens,omitempty" json:"max_output_tokens,omitempty"`
	Planning        string `yaml:"planning,omitempty" json:"planning,omitempty"`
}

// Skill advertises something the agent can do.
type Skill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// AgentDescriptor is an agent definition loaded from YAML. It is read at
// request start and never mutated.
type AgentDescriptor struct {
	Name         string       `yaml:"name" json:"name"`
	Version      string       `yaml:"version" json:"version"`
	Description  string       `yaml:"description,omitempty" json:"description,omitempty"`
	Capabilities Capabilities `yaml:"capabilities" json:"capabilities"`
	Defaults     Defaults     `yaml:"defaults,omitempty" json:"defaults,omitempty"`

	// Instructions is the resolved system prompt, inline or read from file.
	Instructions string `yaml:"-" json:"-"`
	// Source is the file the descriptor was read from.
	Source string `yaml:"-" json:"-"`
}

// ParseDescriptor decodes YAML and resolves file-based instructions
// relative to baseDir.
func ParseDescriptor(data []byte, baseDir string) (AgentDescriptor, error) {
	var d AgentDescriptor
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil {
		return AgentDescriptor{}, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	if err := d.Validate(); err != nil {
		return AgentDescriptor{}, err
	}
	instructions, err := d.resolveInstructions(baseDir)
	if err != nil {
		return AgentDescriptor{}, err
	}
	d.Instructions = instructions
	return d, nil
}

// LoadDescriptor reads one descriptor file.
func LoadDescriptor(path string) (AgentDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return AgentDescriptor{}, fmt.Errorf("read agent descriptor %s: %w", path, err)
	}
	d, err := ParseDescriptor(data, filepath.Dir(path))
	if err != nil {
		return AgentDescriptor{}, fmt.Errorf("%s: %w", path, err)
	}
	d.Source = path
	return d, nil
}

// Validate checks required fields and known extension shapes.
func (d AgentDescriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDescriptor)
	}
	if strings.TrimSpace(d.Version) == "" {
		return fmt.Errorf("%w: %s: version is required", ErrInvalidDescriptor, d.Name)
	}
	switch d.Defaults.Planning {
	case "", PlanningTools, PlanningStructured:
	default:
		return fmt.Errorf("%w: %s: planning mode %q is not supported", ErrInvalidDescriptor, d.Name, d.Defaults.Planning)
	}
	if d.Defaults.MaxOutputTokens < 0 {
		return fmt.Errorf("%w: %s: max_output_tokens must not be negative", ErrInvalidDescriptor, d.Name)
	}
	for i, ext := range d.Capabilities.Extensions {
		if strings.TrimSpace(ext.URI) == "" {
			return fmt.Errorf("%w: %s: extensions[%d] has no uri", ErrInvalidDescriptor, d.Name, i)
		}
		if ext.URI == ExtMCPServers {
			if _, ok := stringList(ext.Params["servers"]); !ok {
				return fmt.Errorf("%w: %s: extensions[%d] servers must be a list of names", ErrInvalidDescriptor, d.Name, i)
			}
		}
	}
	return nil
}

// PlanningMode returns the configured mode, defaulting to tools.
func (d AgentDescriptor) PlanningMode() string {
	if d.Defaults.Planning == "" {
		return PlanningTools
	}
	return d.Defaults.Planning
}

// MCPServers returns the declared server names in declaration order without duplicates.
func (d AgentDescriptor) MCPServers() []string {
	var out []string
	seen := map[string]struct{}{}
	for _, ext := range d.Capabilities.Extensions {
		if ext.URI != ExtMCPServers {
			continue
		}
		names, _ := stringList(ext.Params["servers"])
		for _, name := range names {
			if _, dup := seen[name]; dup || name == "" {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	return out
}

// Skills returns the advertised skills.
func (d AgentDescriptor) Skills() []Skill {
	var out []Skill
	for _, ext := range d.Capabilities.Extensions {
		if ext.URI != ExtSkills {
			continue
		}
		items, _ := ext.Params["skills"].([]any)
		for _, item := range items {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			s := Skill{
				ID:          stringParam(m, "id"),
				Name:        stringParam(m, "name"),
				Description: stringParam(m, "description"),
			}
			s.Tags, _ = stringList(m["tags"])
			if s.ID == "" {
				s.ID = s.Name
			}
			out = append(out, s)
		}
	}
	return out
}

func (d AgentDescriptor) resolveInstructions(baseDir string) (string, error) {
	var parts []string
	for _, ext := range d.Capabilities.Extensions {
		if ext.URI != ExtSystemInstructions {
			continue
		}
		if text := strings.TrimSpace(stringParam(ext.Params, "text")); text != "" {
			parts = append(parts, text)
		}
		if file := stringParam(ext.Params, "file"); file != "" {
			if !filepath.IsAbs(file) {
				file = filepath.Join(baseDir, file)
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return "", fmt.Errorf("%w: %s: system instructions: %v", ErrInvalidDescriptor, d.Name, err)
			}
			parts = append(parts, strings.TrimSpace(string(data)))
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

func stringParam(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func stringList(v any) ([]string, bool) {
	switch list := v.(type) {
	case nil:
		return nil, true
	case []string:
		return list, true
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}
