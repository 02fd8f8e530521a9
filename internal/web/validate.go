// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"github.com/samber/oops"

	"github.com/gatekeep/gatekeep/internal/auth"
)

const (
	maxBodyBytes = 64 << 10
	schemaBase   = "https://gatekeep.dev/schemas/"
)

type registerRequest struct {
	Email    string `json:"email" jsonschema:"required,format=email,maxLength=254"`
	Username string `json:"username" jsonschema:"required,minLength=3,maxLength=30,pattern=^[a-zA-Z0-9]+$"`
	Password string `json:"password" jsonschema:"required,minLength=8,maxLength=128"`
}

type loginRequest struct {
	Email    string `json:"email" jsonschema:"required,minLength=1,maxLength=254"`
	Password string `json:"password" jsonschema:"required,minLength=1,maxLength=128"`
}

type updateProfileRequest struct {
	Email    *string `json:"email,omitempty" jsonschema:"format=email,maxLength=254"`
	Username *string `json:"username,omitempty" jsonschema:"minLength=3,maxLength=30,pattern=^[a-zA-Z0-9]+$"`
}

var schemas sync.Map // reflect.Type -> *jschema.Schema

// requestTypes are the request bodies by published schema name.
var requestTypes = map[string]any{
	"register":       &registerRequest{},
	"login":          &loginRequest{},
	"update_profile": &updateProfileRequest{},
}

func reflectSchema(v any) (string, *jsonschema.Schema) {
	r := jsonschema.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: true,
	}
	schema := r.Reflect(v)
	id := schemaBase + strings.ToLower(reflect.TypeOf(v).Elem().Name()) + ".json"
	schema.ID = jsonschema.ID(id)
	return id, schema
}

// RequestSchemas returns the indented JSON Schema of every request body,
// keyed by name.
func RequestSchemas() (map[string][]byte, error) {
	out := make(map[string][]byte, len(requestTypes))
	for name, v := range requestTypes {
		_, schema := reflectSchema(v)
		raw, err := json.MarshalIndent(schema, "", "  ")
		if err != nil {
			return nil, oops.Code("SCHEMA_GENERATE_FAILED").With("request", name).Wrap(err)
		}
		out[name] = raw
	}
	return out, nil
}

// requestSchema returns the compiled schema reflected from T's tags.
func requestSchema(v any) (*jschema.Schema, error) {
	t := reflect.TypeOf(v)
	if cached, ok := schemas.Load(t); ok {
		return cached.(*jschema.Schema), nil
	}

	id, schema := reflectSchema(v)
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, oops.Code("SCHEMA_GENERATE_FAILED").With("type", t.String()).Wrap(err)
	}
	doc, err := jschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, oops.Code("SCHEMA_GENERATE_FAILED").With("type", t.String()).Wrap(err)
	}

	c := jschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(id, doc); err != nil {
		return nil, oops.Code("SCHEMA_COMPILE_FAILED").With("type", t.String()).Wrap(err)
	}
	compiled, err := c.Compile(id)
	if err != nil {
		return nil, oops.Code("SCHEMA_COMPILE_FAILED").With("type", t.String()).Wrap(err)
	}

	actual, _ := schemas.LoadOrStore(t, compiled)
	return actual.(*jschema.Schema), nil
}

// decodeRequest reads the JSON body, validates it against the schema of
// dst's type and decodes it into dst. dst must be a pointer to struct.
func decodeRequest(w http.ResponseWriter, r *http.Request, dst any) error {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &apiError{status: http.StatusRequestEntityTooLarge, message: "Request body too large"}
		}
		return oops.Code("REQUEST_READ_FAILED").Wrap(err)
	}

	doc, err := jschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return oops.Code(auth.CodeValidation).Wrap(auth.NewValidationError("body", "must be valid JSON"))
	}
	if _, ok := doc.(map[string]any); !ok {
		return oops.Code(auth.CodeValidation).Wrap(auth.NewValidationError("body", "must be a JSON object"))
	}

	sch, err := requestSchema(dst)
	if err != nil {
		return err
	}
	if err := sch.Validate(doc); err != nil {
		var ve *jschema.ValidationError
		if errors.As(err, &ve) {
			return oops.Code(auth.CodeValidation).Wrap(fieldErrors(ve))
		}
		return oops.Code("REQUEST_VALIDATE_FAILED").Wrap(err)
	}

	if err := json.Unmarshal(data, dst); err != nil {
		return oops.Code(auth.CodeValidation).Wrap(auth.NewValidationError("body", "has fields of the wrong type"))
	}
	return nil
}

// fieldErrors flattens a schema validation tree into one message per field.
func fieldErrors(ve *jschema.ValidationError) *auth.ValidationError {
	out := &auth.ValidationError{}
	var walk func(e *jschema.ValidationError)
	walk = func(e *jschema.ValidationError) {
		if len(e.Causes) > 0 {
			for _, c := range e.Causes {
				walk(c)
			}
			return
		}
		if req, ok := e.ErrorKind.(*kind.Required); ok {
			for _, name := range req.Missing {
				out.Add(name, "is required")
			}
			return
		}
		field := strings.Join(e.InstanceLocation, ".")
		if field == "" {
			field = "body"
		}
		out.Add(field, describe(e.ErrorKind))
	}
	walk(ve)
	if out.Empty() {
		out.Add("body", "is invalid")
	}
	return out
}

func describe(k jschema.ErrorKind) string {
	switch k := k.(type) {
	case *kind.MinLength:
		return fmt.Sprintf("must be at least %d characters", k.Want)
	case *kind.MaxLength:
		return fmt.Sprintf("must be at most %d characters", k.Want)
	case *kind.Pattern:
		return "must contain only letters and numbers"
	case *kind.Format:
		return "must be a valid " + k.Want
	case *kind.Type:
		return "must be of type " + strings.Join(k.Want, " or ")
	}
	return "is invalid"
}
