// Package jobvalidate checks a job's submitted options against the
// embedded JSON schema so malformed inference parameters are rejected at
// submission time rather than surfacing as a worker-side failure later.
package jobvalidate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	schemasassets "github.com/llmjob/coordinator/internal/assets/schemas"
)

const schemaResource = "job-options.schema.json"

var (
	once      sync.Once
	compiled  *jsonschema.Schema
	compileErr error
)

func schema() (*jsonschema.Schema, error) {
	once.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaResource, bytes.NewReader(schemasassets.JobOptionsSchema)); err != nil {
			compileErr = fmt.Errorf("add job options schema: %w", err)
			return
		}
		s, err := compiler.Compile(schemaResource)
		if err != nil {
			compileErr = fmt.Errorf("compile job options schema: %w", err)
			return
		}
		compiled = s
	})
	return compiled, compileErr
}

// Options validates opts (a job's free-form submission options) against the
// embedded schema. A nil or empty map always passes.
func Options(opts map[string]any) error {
	if len(opts) == 0 {
		return nil
	}

	s, err := schema()
	if err != nil {
		return err
	}

	// round-trip through encoding/json so map[string]any values (e.g. a
	// plain int from a Go caller instead of float64 from a JSON decode)
	// validate the same way the schema expects from a decoded wire payload.
	raw, err := json.Marshal(opts)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("unmarshal options: %w", err)
	}

	if err := s.Validate(v); err != nil {
		return fmt.Errorf("invalid job options: %w", err)
	}
	return nil
}
