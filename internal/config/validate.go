// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validate compiles schema and checks instance against it, returning an
// error rather than aborting the process — this package is a library
// dependency, not a service entrypoint, so config errors propagate to the
// caller.
func Validate(schema string, instance json.RawMessage) error {
	sch, err := jsonschema.CompileString("xtreestore-config.json", schema)
	if err != nil {
		return fmt.Errorf("compiling config schema: %w", err)
	}

	var v any
	if err := json.Unmarshal(instance, &v); err != nil {
		return fmt.Errorf("parsing config instance: %w", err)
	}

	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return nil
}

// ConfigSchema is the JSON Schema for EngineConfig's on-disk representation.
const ConfigSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"title": "xtreestore engine config",
	"type": "object",
	"properties": {
		"mmap_window_size": {"type": "integer", "minimum": 4096},
		"mmap_budget": {"type": "integer", "minimum": 0},
		"cache_budget": {"type": "integer", "minimum": 0},
		"max_file_size": {"type": "integer", "minimum": 1048576},
		"checkpoint_keep_count": {"type": "integer", "minimum": 1},
		"max_open_files": {"type": "integer", "minimum": 8},
		"ot_slab_kb": {"type": "integer", "minimum": 4},
		"rebalance_interval_seconds": {"type": "integer", "minimum": 1}
	},
	"additionalProperties": false
}`
