package verification

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/inaiurai/settlement/internal/models"
)

//go:embed schemas/proof.v1.json
var schemaFS embed.FS

const proofSchemaID = "https://inaiurai.dev/schemas/proof.v1"

// ProofValidator rejects submissions whose document does not match the proof schema.
type ProofValidator struct {
	schema *jsonschema.Schema
}

// NewProofValidator compiles the schema at path, or the built-in one when path is empty.
func NewProofValidator(path string) (*ProofValidator, error) {
	var (
		data []byte
		err  error
	)
	if path == "" {
		data, err = schemaFS.ReadFile("schemas/proof.v1.json")
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read proof schema: %w", err)
	}
	schema, err := jsonschema.CompileString(proofSchemaID, string(data))
	if err != nil {
		return nil, fmt.Errorf("compile proof schema: %w", err)
	}
	return &ProofValidator{schema: schema}, nil
}

func (v *ProofValidator) ValidateProof(document json.RawMessage) error {
	if len(document) == 0 {
		return fmt.Errorf("%w: proof document is required", models.ErrValidation)
	}
	var doc interface{}
	if err := json.Unmarshal(document, &doc); err != nil {
		return fmt.Errorf("%w: proof is not valid JSON: %v", models.ErrValidation, err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	return nil
}
