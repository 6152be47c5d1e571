// Package validation checks command bodies against strict JSON schemas
// before they reach a service.
package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/xeipuuv/gojsonschema"

	"github.com/viewpay/viewpay/internal/apperr"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for free-text fields
const MaxStringLength = 2000

// Shared schema fragments. Amounts are decimal strings with at most two
// fractional digits; money.Parse enforces the same grammar.
const (
	AmountPattern = `^[0-9]+(\.[0-9]{1,2})?$`
	IDPattern     = `^[A-Za-z0-9_\-:.]{1,128}$`
)

// Quote renders s as a JSON string literal for splicing into a schema
// document.
func Quote(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}
	return string(b)
}

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// SanitizeString trims whitespace, strips null bytes and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// FieldError is one schema violation.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// FieldErrors is a collection of validation errors
type FieldErrors []FieldError

// Error implements the error interface
func (e FieldErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Schema is a compiled command schema.
type Schema struct {
	name   string
	schema *gojsonschema.Schema
}

// Compile parses a JSON schema document.
func Compile(name, doc string) (*Schema, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Schema{name: name, schema: s}, nil
}

// MustCompile is Compile for package-level schemas.
func MustCompile(name, doc string) *Schema {
	s, err := Compile(name, doc)
	if err != nil {
		panic(err)
	}
	return s
}

// Name returns the schema's name.
func (s *Schema) Name() string { return s.name }

// Check validates raw JSON against the schema. Violations are returned as
// FieldErrors wrapped in a VALIDATION_FAILED error.
func (s *Schema) Check(body []byte) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return apperr.Validation("request body is required")
	}
	result, err := s.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return apperr.Wrap(err, apperr.CodeValidation, "request body is not valid JSON")
	}
	if result.Valid() {
		return nil
	}
	var errs FieldErrors
	for _, d := range result.Errors() {
		field := d.Field()
		if field == "(root)" {
			if p, ok := d.Details()["property"].(string); ok {
				field = p
			}
		}
		errs = append(errs, FieldError{Field: field, Message: d.Description()})
	}
	return apperr.Wrap(errs, apperr.CodeValidation, errs.Error())
}

// Decode validates body and unmarshals it into dst.
func (s *Schema) Decode(body []byte, dst any) error {
	if err := s.Check(body); err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Wrap(err, apperr.CodeValidation, "request body does not match command")
	}
	return nil
}

// Bind reads the request body of c and decodes it through s.
func (s *Schema) Bind(c *gin.Context, dst any) error {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.Validation("request body too large")
		}
		return apperr.Wrap(err, apperr.CodeValidation, "failed to read request body")
	}
	return s.Decode(body, dst)
}

// Details extracts field errors from a validation error, if any.
func Details(err error) FieldErrors {
	var errs FieldErrors
	if errors.As(err, &errs) {
		return errs
	}
	return nil
}
