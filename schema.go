package forge

import (
	"bytes"
	_ "embed"
	"errors"
	"strings"
	"sync"

	"github.com/deepnoodle-ai/forge/errdefs"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed workflow.schema.json
var workflowSchemaText []byte

const workflowSchemaURL = "workflow.schema.json"

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(workflowSchemaURL, bytes.NewReader(workflowSchemaText)); err != nil {
		return nil, err
	}
	return compiler.Compile(workflowSchemaURL)
})

// Schema returns the JSON schema workflow files are validated against.
func Schema() []byte {
	return bytes.Clone(workflowSchemaText)
}

// validateSchema checks a workflow document, already converted to JSON,
// against the embedded schema. Every violation is reported.
func validateSchema(doc []byte) error {
	schema, err := compiledSchema()
	if err != nil {
		return errdefs.WrapConfig(err, "failed to compile workflow schema")
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return errdefs.WrapConfig(err, "failed to decode workflow document")
	}
	err = schema.Validate(instance)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return errdefs.WrapConfig(err, "workflow file does not match schema")
	}
	var problems []errdefs.FieldError
	collectSchemaProblems(verr, &problems)
	parts := make([]string, len(problems))
	for i, p := range problems {
		parts[i] = p.String()
	}
	e := errdefs.Config("workflow file does not match schema: %s", strings.Join(parts, "; "))
	e.Details = problems
	return e
}

func collectSchemaProblems(verr *jsonschema.ValidationError, out *[]errdefs.FieldError) {
	if len(verr.Causes) == 0 {
		field := strings.TrimPrefix(verr.InstanceLocation, "/")
		*out = append(*out, errdefs.FieldError{Field: strings.ReplaceAll(field, "/", "."), Message: verr.Message})
		return
	}
	for _, c := range verr.Causes {
		collectSchemaProblems(c, out)
	}
}
