package graph

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// descriptorSchema is the structural contract an App must satisfy before
// deploy() accepts it: every activity has an aid and a type drawn from the
// closed set, every graph has a subscription topic, and every transition
// names a target. Validation never evaluates guard expressions or pipe
// paths; it only checks shape.
const descriptorSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["appId", "version", "graphs"],
  "properties": {
    "appId": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "graphs": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["subscribes", "activities"],
        "properties": {
          "subscribes": {"type": "string", "minLength": 1},
          "activities": {
            "type": "array",
            "minItems": 1,
            "items": {
              "type": "object",
              "required": ["aid", "type"],
              "properties": {
                "aid": {"type": "string", "minLength": 1},
                "type": {"enum": ["trigger", "worker", "hook", "signal", "interrupt", "cycle", "await"]},
                "transitions": {
                  "type": "array",
                  "items": {
                    "type": "object",
                    "required": ["to"],
                    "properties": {"to": {"type": "string", "minLength": 1}}
                  }
                }
              }
            }
          }
        }
      }
    }
  }
}`

var compiledSchema *jsonschema.Schema

func init() {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("hotmesh://descriptor.schema.json", mustUnmarshal(descriptorSchema)); err != nil {
		panic(fmt.Sprintf("graph: invalid embedded schema: %v", err))
	}
	sch, err := c.Compile("hotmesh://descriptor.schema.json")
	if err != nil {
		panic(fmt.Sprintf("graph: schema compile: %v", err))
	}
	compiledSchema = sch
}

func mustUnmarshal(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		panic(err)
	}
	return v
}

// Validate checks app's structural shape against descriptorSchema and then
// applies the cross-reference invariants Validate alone can't express in
// JSON Schema: every transition target, parent and hook target must name an
// activity that exists in the same graph.
func Validate(_ context.Context, app *App) error {
	raw, err := json.Marshal(app)
	if err != nil {
		return fmt.Errorf("graph: validate: marshal: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("graph: validate: unmarshal: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return fmt.Errorf("graph: validate: %w", err)
	}
	return validateReferences(app)
}

func validateReferences(app *App) error {
	for gi, g := range app.Graphs {
		ids := make(map[string]struct{}, len(g.Activities))
		for _, a := range g.Activities {
			ids[a.AID] = struct{}{}
		}
		for _, a := range g.Activities {
			for _, t := range a.Transitions {
				if _, ok := ids[t.To]; !ok {
					return fmt.Errorf("graph: validate: graph[%d] activity %q: transition to unknown aid %q", gi, a.AID, t.To)
				}
			}
			if a.Parent != "" {
				if _, ok := ids[a.Parent]; !ok {
					return fmt.Errorf("graph: validate: graph[%d] activity %q: parent references unknown aid %q", gi, a.AID, a.Parent)
				}
			}
		}
		for _, h := range g.Hooks {
			if _, ok := ids[h.Target]; !ok {
				return fmt.Errorf("graph: validate: graph[%d] hook %q: target references unknown aid %q", gi, h.Topic, h.Target)
			}
		}
	}
	return nil
}
