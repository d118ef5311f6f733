package manifest

import (
	"github.com/invopop/jsonschema"
)

// Schema describes the manifest document format
func Schema() *jsonschema.Schema {
	r := jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
	}

	schema := r.Reflect(&Manifest{})
	schema.Title = "patchd manifest"
	schema.Description = "Files, digests and download locations for one published version"
	schema.ID = ""
	return schema
}
