package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/merchantforge/poflow/internal/core/domain"
)

// extractedOrderSchema is the one canonical shape of AI output. Anything
// off-schema fails the parse instead of being recursively guessed at
// downstream.
const extractedOrderSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["supplier_name", "line_items"],
	"properties": {
		"supplier_name": {"type": "string", "minLength": 1},
		"order_number": {"type": "string"},
		"currency": {"type": "string"},
		"total_amount": {"type": "number", "minimum": 0},
		"line_items": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["description", "quantity", "unit_cost"],
				"properties": {
					"sku": {"type": "string"},
					"description": {"type": "string", "minLength": 1},
					"quantity": {"type": "integer", "minimum": 1},
					"unit_cost": {"type": "number", "minimum": 0}
				}
			}
		}
	}
}`

var compiledSchema = jsonschema.MustCompileString("extracted_order.json", extractedOrderSchema)

// DecodeExtractedOrder validates raw model output against the canonical
// schema and decodes it. Schema deviation is a parsing bug, surfaced as a
// fatal error.
func DecodeExtractedOrder(raw json.RawMessage) (*domain.ExtractedOrder, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, domain.WrapError(domain.ErrFatal, "decode extracted order", err)
	}
	if err := compiledSchema.Validate(generic); err != nil {
		return nil, domain.WrapError(domain.ErrFatal, "validate extracted order",
			fmt.Errorf("%s", summarizeValidation(err)))
	}

	var order domain.ExtractedOrder
	if err := json.Unmarshal(raw, &order); err != nil {
		return nil, domain.WrapError(domain.ErrFatal, "decode extracted order", err)
	}
	return &order, nil
}

func summarizeValidation(err error) string {
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		loc := leaf.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return fmt.Sprintf("%s: %s", loc, leaf.Message)
	}
	return strings.TrimSpace(err.Error())
}
