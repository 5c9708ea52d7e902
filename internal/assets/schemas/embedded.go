// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time to ensure the CLI and library work
// correctly regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// JobOptionsSchema is the embedded schema constraining the free-form
// "options" map accepted on job submission (spec.md §6).
//
// This allows job validation to work in installed binaries and library
// consumers without requiring the schema file to be present on disk.
//
//go:embed job-options.schema.json
var JobOptionsSchema []byte
