package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

var (
	schemaOnce sync.Once
	schemaSet  map[string]*jsonschema.Schema
	schemaErr  error
)

// schemaFiles maps message types to their schema resource.
var schemaFiles = map[string]string{
	TypeHello:   "schemas/hello.schema.json",
	TypeNodeMap: "schemas/node_map.schema.json",
	TypeMigrate: "schemas/migrate.schema.json",
	TypeReduce:  "schemas/reduce.schema.json",
}

func compileSchemas() {
	schemaSet = map[string]*jsonschema.Schema{}
	c := jsonschema.NewCompiler()
	for typ, file := range schemaFiles {
		raw, err := schemaFS.ReadFile(file)
		if err != nil {
			schemaErr = fmt.Errorf("schema %s: %w", file, err)
			return
		}
		if err := c.AddResource(file, bytes.NewReader(raw)); err != nil {
			schemaErr = fmt.Errorf("schema %s: %w", file, err)
			return
		}
		s, err := c.Compile(file)
		if err != nil {
			schemaErr = fmt.Errorf("schema %s: %w", file, err)
			return
		}
		schemaSet[typ] = s
	}
}

// Validate checks a raw frame of the given message type against its
// JSON schema. Types without a schema pass.
func Validate(msgType string, raw []byte) error {
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return schemaErr
	}
	s, ok := schemaSet[msgType]
	if !ok {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("%s: %w", ErrCodeMalformedInput, err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("%s: %w", ErrCodeMalformedInput, err)
	}
	return nil
}
