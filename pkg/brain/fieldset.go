package brain

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/dominikletica/aaviondb/pkg/canonical"
	"github.com/dominikletica/aaviondb/pkg/fault"
)

// validateFieldset checks a payload against the JSON Schema stored as the
// active version of the system fieldsets entity named by the selector.
// It returns the commit hash of the schema so the version meta can pin
// the exact schema revision that approved the payload. Callers hold r.mu.
func (r *Repository) validateFieldset(fieldset string, payload []byte) (string, error) {
	if err := ValidateSlug("fieldset", fieldset); err != nil {
		return "", err
	}
	system, err := r.load(r.systemPath())
	if err != nil {
		return "", err
	}
	_, e, err := findEntity(system, ProjectFieldsets, fieldset)
	if err != nil {
		return "", fault.NotFound("fieldset %q not found", fieldset)
	}
	active := e.activeVersion()
	if active == nil {
		return "", fault.NotFound("fieldset %q has no active schema", fieldset)
	}

	compiler := jsonschema.NewCompiler()
	resource := "aaviondb://fieldsets/" + fieldset + ".json"
	if err := compiler.AddResource(resource, strings.NewReader(string(active.Payload))); err != nil {
		return "", fault.Invalid("fieldset %q holds an invalid schema", fieldset).WithCause(err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return "", fault.Invalid("fieldset %q holds an invalid schema", fieldset).WithCause(err)
	}

	// canonical.Decode keeps numbers as json.Number, which the validator
	// understands natively.
	decoded, err := canonical.Decode(payload)
	if err != nil {
		return "", fault.Invalid("payload is not valid JSON").WithMeta("reason", "invalid_payload").WithCause(err)
	}
	if err := schema.Validate(decoded); err != nil {
		return "", fault.Invalid("payload does not satisfy fieldset %q: %s", fieldset, leafValidationMessage(err)).
			WithMeta("fieldset", fieldset)
	}
	return active.Hash, nil
}

// leafValidationMessage digs to the most specific cause of a validation
// failure; the full cause tree is noise in a command response.
func leafValidationMessage(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[len(ve.Causes)-1]
	}
	if ve.InstanceLocation != "" {
		return ve.InstanceLocation + ": " + ve.Message
	}
	return ve.Message
}
