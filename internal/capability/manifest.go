package capability

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nugget/tollgate/internal/registry"
)

// Manifest is the YAML description of one capability.
//
//	name: roll
//	handler: dice          # catalog entry; defaults to name
//	description: Roll dice in NdM notation.
//	enabled: true          # default true
//	parameters:
//	  type: object
//	  properties:
//	    input: {type: string, description: "Dice such as 2d6"}
type Manifest struct {
	Name        string         `yaml:"name"`
	Handler     string         `yaml:"handler"`
	Description string         `yaml:"description"`
	Enabled     *bool          `yaml:"enabled"`
	Parameters  map[string]any `yaml:"parameters"`
}

var validName = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// LoadManifests reads every .yaml or .yml file in dir, sorted by file
// name. A file may hold a single manifest or a YAML list of them. A
// missing directory yields no manifests.
func LoadManifests(dir string) (map[string][]Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read capabilities dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") && !strings.HasPrefix(e.Name(), ".") {
			files = append(files, e.Name())
		}
	}
	slices.Sort(files)

	out := make(map[string][]Manifest, len(files))
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(dir, f))
		if err != nil {
			return nil, fmt.Errorf("read manifest %s: %w", f, err)
		}
		manifests, err := parseManifests(data)
		if err != nil {
			return nil, fmt.Errorf("parse manifest %s: %w", f, err)
		}
		out[f] = manifests
	}
	return out, nil
}

func parseManifests(data []byte) ([]Manifest, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	if len(node.Content) == 0 {
		return nil, nil
	}
	if node.Content[0].Kind == yaml.SequenceNode {
		var list []Manifest
		if err := node.Content[0].Decode(&list); err != nil {
			return nil, err
		}
		return list, nil
	}
	var m Manifest
	if err := node.Content[0].Decode(&m); err != nil {
		return nil, err
	}
	return []Manifest{m}, nil
}

// Build resolves manifests against the catalog. Every problem is
// reported (joined), and any problem fails the whole build: an unknown
// handler, an invalid or duplicate name.
func Build(catalog *Catalog, manifests map[string][]Manifest) (map[string]*Capability, error) {
	table := make(map[string]*Capability)
	var errs []error

	files := make([]string, 0, len(manifests))
	for f := range manifests {
		files = append(files, f)
	}
	slices.Sort(files)

	for _, file := range files {
		for _, m := range manifests[file] {
			if m.Enabled != nil && !*m.Enabled {
				continue
			}
			if !validName.MatchString(m.Name) {
				errs = append(errs, fmt.Errorf("%s: invalid capability name %q", file, m.Name))
				continue
			}
			if prev, dup := table[m.Name]; dup {
				errs = append(errs, fmt.Errorf("%s: capability %q already defined in %s", file, m.Name, prev.Source))
				continue
			}
			handlerName := m.Handler
			if handlerName == "" {
				handlerName = m.Name
			}
			h, ok := catalog.Lookup(handlerName)
			if !ok {
				errs = append(errs, fmt.Errorf("%s: capability %q references unknown handler %q", file, m.Name, handlerName))
				continue
			}
			params := m.Parameters
			if params == nil {
				params = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			table[m.Name] = &Capability{
				Name:        m.Name,
				Description: strings.TrimSpace(m.Description),
				Parameters:  params,
				HandlerName: handlerName,
				Handler:     h,
				Source:      file,
			}
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return table, nil
}

// Builder returns a registry builder that loads the manifests in dir
// and resolves them against catalog on every reload.
func Builder(dir string, catalog *Catalog) registry.Builder[*Capability] {
	return func(ctx context.Context) (map[string]*Capability, error) {
		manifests, err := LoadManifests(dir)
		if err != nil {
			return nil, err
		}
		return Build(catalog, manifests)
	}
}
