package verify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ota-uptane/client-core/pkg/uptane"
	"github.com/ota-uptane/client-core/pkg/uptane/errs"
)

// envelopeSchemaDoc describes the wire shape every signed metadata
// envelope must have before its signed body is even worth unmarshaling
// into a role-specific type: a signed object and at least one
// well-formed signature.
const envelopeSchemaDoc = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["signed", "signatures"],
	"properties": {
		"signed": {"type": "object"},
		"signatures": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["keyid", "method", "sig"],
				"properties": {
					"keyid": {"type": "string", "minLength": 1},
					"method": {"type": "string", "minLength": 1},
					"sig": {"type": "string", "minLength": 1}
				}
			}
		}
	}
}`

var (
	envelopeSchemaOnce sync.Once
	envelopeSchema     *jsonschema.Schema
	envelopeSchemaErr  error
)

func compiledEnvelopeSchema() (*jsonschema.Schema, error) {
	envelopeSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("envelope.json", bytes.NewReader([]byte(envelopeSchemaDoc))); err != nil {
			envelopeSchemaErr = err
			return
		}
		envelopeSchema, envelopeSchemaErr = compiler.Compile("envelope.json")
	})
	return envelopeSchema, envelopeSchemaErr
}

// validateEnvelopeShape runs env through the envelope schema before any
// signature math, turning a malformed envelope (missing signatures,
// empty signed body, blank keyid) into one schema error instead of a
// confusing downstream unmarshal or threshold failure.
func validateEnvelopeShape(env *uptane.Envelope) error {
	schema, err := compiledEnvelopeSchema()
	if err != nil {
		return fmt.Errorf("verify: compile envelope schema: %w", err)
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: marshal envelope: %v", errs.ErrMetadataInvalid, err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: decode envelope: %v", errs.ErrMetadataInvalid, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: envelope schema: %v", errs.ErrMetadataInvalid, err)
	}
	return nil
}
