package api

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// MaxInputLength bounds the transaction data accepted over HTTP.
const MaxInputLength = 16 * 1024

var submissionSchema = map[string]interface{}{
	"type":                 "object",
	"additionalProperties": false,
	"required":             []interface{}{"input"},
	"properties": map[string]interface{}{
		"input": map[string]interface{}{
			"type":      "string",
			"minLength": 1,
			"maxLength": MaxInputLength,
		},
	},
}

type requestValidator struct {
	schema *gojsonschema.Schema
}

func newRequestValidator() (*requestValidator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(submissionSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile submission schema: %w", err)
	}
	return &requestValidator{schema: schema}, nil
}

// Validate checks a raw JSON request body.
func (v *requestValidator) Validate(body []byte) error {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("request validation failed: %w", err)
	}
	if !result.Valid() {
		var b strings.Builder
		for _, e := range result.Errors() {
			if b.Len() > 0 {
				b.WriteString("; ")
			}
			b.WriteString(e.String())
		}
		return fmt.Errorf("request validation failed: %s", b.String())
	}
	return nil
}
