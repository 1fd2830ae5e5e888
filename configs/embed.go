// Package configs embeds the default pipeline definition.
package configs

import _ "embed"

// Pipeline is the default pipeline.yaml, used when PIPELINE_PATH is unset.
//
//go:embed pipeline.yaml
var Pipeline []byte
