package export

import (
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/dominikletica/aaviondb/pkg/brain"
	"github.com/dominikletica/aaviondb/pkg/canonical"
	"github.com/dominikletica/aaviondb/pkg/fault"
	"github.com/dominikletica/aaviondb/pkg/filter"
)

// Reference policies for exported payloads.
const (
	ReferencesResolve = "resolve"
	ReferencesStrip   = "strip"
	ReferencesKeep    = "keep"
)

// BuiltinPreset ships with the engine so a fresh installation can export
// without any setup. It is also seeded into the system brain as a regular
// preset entity, where it can be inspected and overridden.
const BuiltinPreset = "context-unified"

// Preset declares what an export selects, how payloads are transformed,
// and which layout renders the bundle. Presets live as entities in the
// system presets project.
type Preset struct {
	Meta      PresetMeta `json:"meta,omitempty"`
	Selection Selection  `json:"selection,omitempty"`
	Transform Transform  `json:"transform,omitempty"`
	Policies  Policies   `json:"policies,omitempty"`
	Templates Templates  `json:"templates,omitempty"`
}

type PresetMeta struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// Selection narrows projects and entities. Project selectors accept
// literal slugs, "*", "${project}" and "${param.<name>}" (CSV allowed).
type Selection struct {
	Projects       []string            `json:"projects,omitempty"`
	Entities       []filter.Definition `json:"entities,omitempty"`
	PayloadFilters []filter.Definition `json:"payload_filters,omitempty"`
}

// Transform projects payloads onto a whitelist of paths and then deletes
// blacklisted paths. Paths use dotted syntax with [n] array indexes.
type Transform struct {
	Whitelist []string `json:"whitelist,omitempty"`
	Blacklist []string `json:"blacklist,omitempty"`
}

type Policies struct {
	References string `json:"references,omitempty"`
	Cache      bool   `json:"cache,omitempty"`
}

type Templates struct {
	Layout         string `json:"layout,omitempty"`
	EntityTemplate any    `json:"entity_template,omitempty"`
}

// presetSchema pins the preset document shape; anything outside it is
// rejected before the pipeline runs.
const presetSchema = `{
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"meta": {
			"type": "object",
			"properties": {
				"title": {"type": "string"},
				"description": {"type": "string"}
			},
			"additionalProperties": false
		},
		"selection": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"projects": {"type": "array", "items": {"type": "string"}},
				"entities": {"$ref": "#/$defs/filters"},
				"payload_filters": {"$ref": "#/$defs/filters"}
			}
		},
		"transform": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"whitelist": {"type": "array", "items": {"type": "string"}},
				"blacklist": {"type": "array", "items": {"type": "string"}}
			}
		},
		"policies": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"references": {"enum": ["resolve", "strip", "keep"]},
				"cache": {"type": "boolean"}
			}
		},
		"templates": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"layout": {"type": "string"},
				"entity_template": {}
			}
		}
	},
	"$defs": {
		"filters": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["type"],
				"properties": {
					"type": {"type": "string"},
					"config": {"type": "object"}
				},
				"additionalProperties": false
			}
		}
	}
}`

const builtinPresetJSON = `{
	"meta": {
		"title": "Context Unified",
		"description": "Whole-project context bundle with resolved references."
	},
	"selection": {
		"projects": ["${project}"]
	},
	"policies": {
		"references": "resolve",
		"cache": false
	},
	"templates": {
		"layout": "context-unified"
	}
}`

const builtinLayoutJSON = `{
	"structure": {
		"action": "${action}",
		"description": "${description}",
		"entities": "${entities}",
		"index": "${index}",
		"policies": "${policies}",
		"scope": "${scope}",
		"stats": "${stats}",
		"usage": "${usage}"
	}
}`

func compilePresetSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	resource := "aaviondb://presets/schema.json"
	if err := compiler.AddResource(resource, strings.NewReader(presetSchema)); err != nil {
		return nil, fault.Internal("preset schema is invalid").WithCause(err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return nil, fault.Internal("preset schema does not compile").WithCause(err)
	}
	return schema, nil
}

// ValidatePreset checks a preset payload against the fixed schema and
// decodes it. Used both by the export pipeline and by the preset save
// command, so malformed presets never reach storage.
func (e *Engine) ValidatePreset(payload []byte) (*Preset, error) {
	decoded, err := canonical.Decode(payload)
	if err != nil {
		return nil, fault.Invalid("preset is not valid JSON").WithCause(err)
	}
	if err := e.schema.Validate(decoded); err != nil {
		return nil, fault.Invalid("preset does not match the preset schema: %v", err)
	}
	var preset Preset
	if err := json.Unmarshal(payload, &preset); err != nil {
		return nil, fault.Invalid("preset cannot be decoded").WithCause(err)
	}
	if preset.Policies.References == "" {
		preset.Policies.References = ReferencesResolve
	}
	return &preset, nil
}

// LoadPreset fetches a preset entity from the system brain. The builtin
// slug works even before it has been seeded.
func (e *Engine) LoadPreset(slug string) (*Preset, error) {
	rec, err := e.repo.GetEntityVersion(brain.ProjectPresets, slug, "")
	if err != nil {
		if slug == BuiltinPreset && fault.KindOf(err) == fault.KindNotFound {
			return e.ValidatePreset([]byte(builtinPresetJSON))
		}
		if fault.KindOf(err) == fault.KindNotFound {
			return nil, fault.NotFound("preset %q not found", slug)
		}
		return nil, err
	}
	return e.ValidatePreset(rec.Payload)
}

// layout is the decoded layout entity: a structure whose string leaves
// may hold ${placeholders}, plus an optional per-entity template.
type layout struct {
	Structure      any `json:"structure"`
	EntityTemplate any `json:"entity_template,omitempty"`
}

// loadLayout fetches a layout entity. A missing or empty slug falls back
// to the builtin flat layout, so exports always render.
func (e *Engine) loadLayout(slug string) (*layout, error) {
	var payload []byte
	switch {
	case slug == "":
		payload = []byte(builtinLayoutJSON)
	default:
		rec, err := e.repo.GetEntityVersion(brain.ProjectLayouts, slug, "")
		switch {
		case err == nil:
			payload = rec.Payload
		case slug == BuiltinPreset && fault.KindOf(err) == fault.KindNotFound:
			payload = []byte(builtinLayoutJSON)
		case fault.KindOf(err) == fault.KindNotFound:
			e.logger.Warn("layout missing, using default", "layout", slug)
			payload = []byte(builtinLayoutJSON)
		default:
			return nil, err
		}
	}
	var l layout
	if err := json.Unmarshal(payload, &l); err != nil || l.Structure == nil {
		// A layout without a structure key is treated as the structure
		// itself.
		var structure any
		if err := json.Unmarshal(payload, &structure); err != nil {
			return nil, fault.Invalid("layout %q is not valid JSON", slug).WithCause(err)
		}
		return &layout{Structure: structure}, nil
	}
	return &l, nil
}

// SeedBuiltins stores the builtin preset and layout as system entities
// when absent, making them visible to preset listing and editable like
// any other entity.
func (e *Engine) SeedBuiltins() error {
	seeds := []struct {
		project string
		slug    string
		payload string
	}{
		{brain.ProjectPresets, BuiltinPreset, builtinPresetJSON},
		{brain.ProjectLayouts, BuiltinPreset, builtinLayoutJSON},
	}
	for _, s := range seeds {
		_, err := e.repo.GetEntityVersion(s.project, s.slug, "")
		if err == nil {
			continue
		}
		if fault.KindOf(err) != fault.KindNotFound {
			return err
		}
		if _, err := e.repo.SaveEntity(s.project, s.slug, []byte(s.payload), map[string]any{"seeded": true}, brain.SaveOptions{}); err != nil {
			return err
		}
	}
	return nil
}