package httptransport

import (
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// submissionSchema validates the structure of the generate-descriptions
// body before any business checks run. Limits that depend on configuration
// (lot count, image count) are enforced by the service, not here.
const submissionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "signature", "lots"],
  "properties": {
    "version": {"type": "string"},
    "signature": {"type": "string", "minLength": 1},
    "languages": {
      "type": "array",
      "items": {"type": "string", "minLength": 2, "maxLength": 8}
    },
    "lots": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["lot_id", "images"],
        "properties": {
          "lot_id": {"type": "string", "minLength": 1},
          "additional_info": {"type": "string"},
          "webhook": {"type": "string"},
          "images": {
            "type": "array",
            "minItems": 1,
            "items": {
              "type": "object",
              "required": ["url"],
              "properties": {
                "url": {"type": "string", "minLength": 1}
              }
            }
          }
        }
      }
    }
  }
}`

var submissionValidator = jsonschema.MustCompileString("submission.json", submissionSchema)
