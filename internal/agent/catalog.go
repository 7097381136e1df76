package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrAgentNotFound is returned when no descriptor carries the requested name.
var ErrAgentNotFound = errors.New("agent not found")

// Catalog resolves agent descriptors by name.
type Catalog interface {
	List(ctx context.Context) ([]AgentDescriptor, error)
	Get(ctx context.Context, name string) (AgentDescriptor, error)
}

// DirCatalog reads descriptors from a directory on every call, so edits
// take effect on the next request.
type DirCatalog struct {
	dir    string
	logger *log.Logger
}

// NewDirCatalog returns a catalog over *.yaml and *.yml files in dir.
func NewDirCatalog(dir string, logger *log.Logger) *DirCatalog {
	if logger == nil {
		logger = log.New(log.Writer(), "[AGENTS] ", log.LstdFlags)
	}
	return &DirCatalog{dir: dir, logger: logger}
}

// List returns every valid descriptor sorted by name. Invalid files are
// logged and skipped.
func (c *DirCatalog) List(ctx context.Context) ([]AgentDescriptor, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("read agents dir %s: %w", c.dir, err)
	}
	var out []AgentDescriptor
	seen := map[string]string{}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(c.dir, e.Name())
		d, err := LoadDescriptor(path)
		if err != nil {
			c.logger.Printf("skipping %s: %v", path, err)
			continue
		}
		if prev, dup := seen[d.Name]; dup {
			c.logger.Printf("skipping %s: agent %q already defined in %s", path, d.Name, prev)
			continue
		}
		seen[d.Name] = path
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Get returns the descriptor named name.
func (c *DirCatalog) Get(ctx context.Context, name string) (AgentDescriptor, error) {
	all, err := c.List(ctx)
	if err != nil {
		return AgentDescriptor{}, err
	}
	for _, d := range all {
		if d.Name == name {
			return d, nil
		}
	}
	return AgentDescriptor{}, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
}

// StaticCatalog serves a fixed set of descriptors.
type StaticCatalog struct {
	agents map[string]AgentDescriptor
}

func NewStaticCatalog(descs ...AgentDescriptor) *StaticCatalog {
	c := &StaticCatalog{agents: make(map[string]AgentDescriptor, len(descs))}
	for _, d := range descs {
		c.agents[d.Name] = d
	}
	return c
}

func (c *StaticCatalog) List(ctx context.Context) ([]AgentDescriptor, error) {
	out := make([]AgentDescriptor, 0, len(c.agents))
	for _, d := range c.agents {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (c *StaticCatalog) Get(ctx context.Context, name string) (AgentDescriptor, error) {
	d, ok := c.agents[name]
	if !ok {
		return AgentDescriptor{}, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	return d, nil
}
