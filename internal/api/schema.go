package api

import (
	"github.com/invopop/jsonschema"
)

// Schemas holds the JSON Schemas of the chat request and response.
type Schemas struct {
	Request  *jsonschema.Schema `json:"request"`
	Response *jsonschema.Schema `json:"response"`
}

// ChatSchemas reflects the chat wire types.
func ChatSchemas() Schemas {
	r := jsonschema.Reflector{
		AllowAdditionalProperties:  false,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	return Schemas{
		Request:  r.Reflect(&ChatRequest{}),
		Response: r.Reflect(&ChatResponse{}),
	}
}
