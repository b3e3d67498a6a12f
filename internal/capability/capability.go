// Package capability defines the dispatchable commands a conversation
// can invoke. Go implementations are registered in a Catalog by handler
// name; YAML manifests decide which of them are enabled, under what
// names, with what descriptions and parameter schemas. Building the
// manifests against the catalog yields a table that is published
// through a [registry.Registry], so edits to the manifests take effect
// on reload without disturbing calls already in flight.
package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/nugget/tollgate/internal/registry"
)

// ErrUnknown is returned when a name is not in the snapshot.
var ErrUnknown = errors.New("unknown capability")

// Handler runs one invocation. The caller's session, if any, is
// available through session.FromContext.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Capability is one enabled command as published in a snapshot.
type Capability struct {
	Name        string
	Description string
	Parameters  map[string]any
	HandlerName string
	Handler     Handler
	Source      string // manifest file it came from
}

// Snapshot is the published capability table.
type Snapshot = registry.Snapshot[*Capability]

// Catalog holds the Go implementations that manifests may reference.
// It is safe for concurrent use.
type Catalog struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{handlers: make(map[string]Handler)}
}

// Register adds h under name. Registering a name twice is an error.
func (c *Catalog) Register(name string, h Handler) error {
	if name == "" || h == nil {
		return errors.New("capability handler needs a name and a function")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.handlers[name]; exists {
		return fmt.Errorf("handler %q already registered", name)
	}
	c.handlers[name] = h
	return nil
}

// Lookup returns the handler registered under name.
func (c *Catalog) Lookup(name string) (Handler, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.handlers[name]
	return h, ok
}

// Names returns the registered handler names, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.handlers))
}

// Schemas returns OpenAI-style function definitions for every
// capability in snap, ordered by name.
func Schemas(snap *Snapshot) []map[string]any {
	names := snap.Names()
	result := make([]map[string]any, 0, len(names))
	for _, name := range names {
		c, _ := snap.Lookup(name)
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        c.Name,
				"description": c.Description,
				"parameters":  c.Parameters,
			},
		})
	}
	return result
}

// Execute runs the capability called name from snap with JSON-encoded
// arguments. Callers pass the snapshot they captured when the request
// began so a concurrent reload cannot change the table mid-request.
func Execute(ctx context.Context, snap *Snapshot, name, argsJSON string) (string, error) {
	c, ok := snap.Lookup(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknown, name)
	}

	var args map[string]any
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("invalid arguments for %s: %w", name, err)
		}
	}
	if err := checkRequired(c.Parameters, args); err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return c.Handler(context.WithValue(ctx, snapshotKey{}, snap), args)
}

type snapshotKey struct{}

// SnapshotFromContext returns the snapshot an Execute call is running
// against, or nil outside of Execute.
func SnapshotFromContext(ctx context.Context) *Snapshot {
	snap, _ := ctx.Value(snapshotKey{}).(*Snapshot)
	return snap
}

// checkRequired verifies that every property listed under "required"
// in a JSON schema is present in args.
func checkRequired(schema map[string]any, args map[string]any) error {
	var required []string
	switch v := schema["required"].(type) {
	case []string:
		required = v
	case []any:
		for _, r := range v {
			if s, ok := r.(string); ok {
				required = append(required, s)
			}
		}
	}
	var missing []string
	for _, name := range required {
		if _, ok := args[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required arguments: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ParseCommand splits a chat message of the form
//
//	!name key=value key2="quoted value" free text
//
// into a capability name and JSON arguments. Words that are not
// key=value pairs are joined into the "input" argument. It reports
// false if text is not a command.
func ParseCommand(text string) (name, argsJSON string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "!") || len(text) < 2 {
		return "", "", false
	}
	fields := splitQuoted(text[1:])
	if len(fields) == 0 || fields[0] == "" {
		return "", "", false
	}
	name = strings.ToLower(fields[0])

	args := make(map[string]any)
	var free []string
	for _, f := range fields[1:] {
		if k, v, found := strings.Cut(f, "="); found && k != "" && !strings.ContainsAny(k, " \"") {
			args[k] = v
			continue
		}
		free = append(free, f)
	}
	if len(free) > 0 {
		args["input"] = strings.Join(free, " ")
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "", "", false
	}
	return name, string(data), true
}

// splitQuoted splits on whitespace, keeping double-quoted runs
// together and dropping the quotes.
func splitQuoted(s string) []string {
	var fields []string
	var cur strings.Builder
	inQuote := false
	started := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
			started = true
		case !inQuote && (r == ' ' || r == '\t' || r == '\n'):
			if started {
				fields = append(fields, cur.String())
				cur.Reset()
				started = false
			}
		default:
			cur.WriteRune(r)
			started = true
		}
	}
	if started {
		fields = append(fields, cur.String())
	}
	return fields
}
