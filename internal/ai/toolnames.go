package ai

import (
	"fmt"
	"regexp"
)

var invalidToolNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// toolNames maps MCP tool names onto identifiers vendors accept and back.
type toolNames struct {
	toWire   map[string]string
	fromWire map[string]string
}

func newToolNames(tools []ToolSpec) *toolNames {
	n := &toolNames{toWire: map[string]string{}, fromWire: map[string]string{}}
	for _, t := range tools {
		wire := invalidToolNameChars.ReplaceAllString(t.Name, "_")
		if len(wire) > 64 {
			wire = wire[:64]
		}
		base := wire
		for i := 2; ; i++ {
			if _, taken := n.fromWire[wire]; !taken {
				break
			}
			suffix := fmt.Sprintf("_%d", i)
			if len(base)+len(suffix) > 64 {
				wire = base[:64-len(suffix)] + suffix
			} else {
				wire = base + suffix
			}
		}
		n.toWire[t.Name] = wire
		n.fromWire[wire] = t.Name
	}
	return n
}

func (n *toolNames) wire(name string) string {
	if w, ok := n.toWire[name]; ok {
		return w
	}
	return name
}

func (n *toolNames) original(wire string) string {
	if o, ok := n.fromWire[wire]; ok {
		return o
	}
	return wire
}
