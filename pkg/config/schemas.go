package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// Built-in schema names.
const (
	SchemaSnapshot = "snapshot"
	SchemaGroup    = "group"
	SchemaFlow     = "flow"
	SchemaMeter    = "meter"
)

// SchemaRegistry holds named CUE definitions used to check snapshot
// documents. Every schema is compiled in the registry's context, so values
// checked against it must be built with Context.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry holding the built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	sr.registerBuiltInSchemas()
	return sr
}

func (sr *SchemaRegistry) registerBuiltInSchemas() {
	for name, def := range map[string]string{
		SchemaSnapshot: "#Snapshot",
		SchemaGroup:    "#Group",
		SchemaFlow:     "#Flow",
		SchemaMeter:    "#Meter",
	} {
		if err := sr.RegisterSchema(name, builtinSnapshotSchema, def); err != nil {
			panic(fmt.Sprintf("built-in schema %s: %v", name, err))
		}
	}
}

// Context returns the CUE context every schema is compiled in.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// RegisterSchema compiles source and registers its definition under name.
// An empty definition registers the whole value.
func (sr *SchemaRegistry) RegisterSchema(name, source, definition string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	if definition != "" {
		val = val.LookupPath(cue.ParsePath(definition))
		if !val.Exists() {
			return fmt.Errorf("schema %s has no definition %s", name, definition)
		}
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Check unifies val with the named schema and requires a concrete result.
// val must have been built with Context.
func (sr *SchemaRegistry) Check(schemaName string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return unified, err
	}
	return unified, nil
}

// ValidateAgainstSchema encodes a Go value and checks it against the named
// schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	if _, err := sr.Check(schemaName, dataVal); err != nil {
		return fmt.Errorf("validation against %s failed: %w", schemaName, err)
	}
	return nil
}

// ListSchemas returns the registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinSnapshotSchema = `
#Action: {
	order?:    int & >=0
	type:      "output" | "group" | "set-field" | "push-vlan" | "pop-vlan" | "drop" | "controller"
	port?:     string
	group_id?: int & >=0 & <=4294967295
	field?:    string
	value?:    string

	if type == "output" {
		port: string & !=""
	}
	if type == "group" {
		group_id: int
	}
	if type == "set-field" {
		field: string & !=""
	}
}

#Bucket: {
	id:           int & >=0
	weight?:      int & >=0 & <=65535
	watch_port?:  string
	watch_group?: int & >=0
	actions?: [...#Action]
}

#Group: {
	id:   int & >=0 & <=4294967040
	type: "all" | "select" | "indirect" | "fast-failover"
	buckets?: [...#Bucket]
}

#MeterBand: {
	type:        "drop" | "dscp-remark"
	rate:        int & >0
	burst_size?: int & >=0
}

#Meter: {
	id:     int & >0 & <=4294901760
	flags?: [...string]
	bands: [#MeterBand, ...#MeterBand]
}

#Flow: {
	id:        string & !=""
	table_id?: int & >=0 & <=254
	priority?: int & >=0 & <=65535
	cookie?:   int & >=0
	match?: {[string]: string}
	instructions?: {
		goto_table?: int & >=0 & <=254
		meter_id?:   int & >0
		apply_actions?: [...#Action]
	}
}

#Table: {
	id: int & >=0 & <=254
	flows?: [...#Flow]
	stale_flows?: [...#Flow]
}

#TableFeatures: {
	table_id:     int & >=0 & <=254
	name?:        string
	max_entries?: int & >=0
	properties?: [...string]
}

#Snapshot: {
	device: string & !=""
	table_features?: [...#TableFeatures]
	tables?: [...#Table]
	groups?: [...#Group]
	stale_groups?: [...#Group]
	meters?: [...#Meter]
	stale_meters?: [...#Meter]
}
`
