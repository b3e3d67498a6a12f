// Package defaults provides embedded copies of the example configuration
// and starter capability manifests for the tollgate init subcommand.
package defaults

import "embed"

// ConfigYAML is the example configuration file.
//
//go:embed config.example.yaml
var ConfigYAML []byte

// Capabilities holds the starter manifests under capabilities/.
//
//go:embed capabilities/*.yaml
var Capabilities embed.FS
