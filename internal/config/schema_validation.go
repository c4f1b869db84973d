package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	wardenschema "github.com/Paintersrp/warden/schema"
)

const serviceSchemaURL = "service.v1.json"

var compileServiceSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(serviceSchemaURL, bytes.NewReader(wardenschema.ServiceV1Schema)); err != nil {
		return nil, fmt.Errorf("add service schema: %w", err)
	}
	s, err := c.Compile(serviceSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile service schema: %w", err)
	}
	return s, nil
})

// validateAgainstSchema checks a decoded YAML document against the embedded
// service schema and lists every leaf violation, one per line.
func validateAgainstSchema(doc map[string]any) error {
	s, err := compileServiceSchema()
	if err != nil {
		return err
	}
	// Round-trip through JSON so YAML scalars get the types the validator
	// expects.
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode spec for schema validation: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var instance any
	if err := dec.Decode(&instance); err != nil {
		return fmt.Errorf("decode spec for schema validation: %w", err)
	}

	err = s.Validate(instance)
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return err
	}
	lines := violations(verr)
	if len(lines) == 0 {
		return fmt.Errorf("schema validation failed: %s", verr.Message)
	}
	return fmt.Errorf("schema validation failed:\n%s", strings.Join(lines, "\n"))
}

// violations flattens err into "- field: message" lines, skipping the
// wrapper entries that only say a subschema failed.
func violations(err *jsonschema.ValidationError) []string {
	seen := map[string]struct{}{}
	var lines []string
	for _, e := range err.BasicOutput().Errors {
		if e.Error == "" || strings.HasPrefix(e.Error, "doesn't validate with") {
			continue
		}
		line := fmt.Sprintf("- %s: %s", fieldFromPointer(e.InstanceLocation), e.Error)
		if _, dup := seen[line]; dup {
			continue
		}
		seen[line] = struct{}{}
		lines = append(lines, line)
	}
	sort.Strings(lines)
	return lines
}

// fieldFromPointer turns a JSON pointer such as /hooks/pre_start/command/0
// into hooks.pre_start.command[0].
func fieldFromPointer(ptr string) string {
	ptr = strings.TrimPrefix(ptr, "/")
	if ptr == "" {
		return "spec"
	}
	var b strings.Builder
	for _, seg := range strings.Split(ptr, "/") {
		seg = strings.NewReplacer("~1", "/", "~0", "~").Replace(seg)
		if seg != "" && strings.Trim(seg, "0123456789") == "" {
			b.WriteString("[" + seg + "]")
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(seg)
	}
	return b.String()
}
