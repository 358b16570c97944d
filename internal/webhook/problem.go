// Copyright 2025 The Prcleaner Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/mikelane/prcleaner/internal/events"
)

const (
	problemContentType = "application/problem+json"
	problemType        = "https://tools.ietf.org/html/rfc4918#section-11.2"
	problemTitle       = "One or more validation errors occurred."

	// bodyField keys errors that concern the payload as a whole.
	bodyField = "$"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report fields by their JSON names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeNotification parses and validates a notification body. It returns
// field errors when the body does not match the schema.
func decodeNotification(body []byte) (*events.WebhookNotification, map[string][]string) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, map[string][]string{bodyField: {"A non-empty request body is required."}}
	}

	var n events.WebhookNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, decodeErrors(err)
	}

	if err := validate.Struct(&n); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return nil, map[string][]string{bodyField: {err.Error()}}
		}
		fields := make(map[string][]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = append(fields[fe.Field()], fieldMessage(fe))
		}
		return nil, fields
	}

	return &n, nil
}

func decodeErrors(err error) map[string][]string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return map[string][]string{
			typeErr.Field: {fmt.Sprintf("The JSON value could not be converted to %s.", typeErr.Type)},
		}
	}

	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return map[string][]string{
			bodyField: {fmt.Sprintf("The JSON payload is malformed at offset %d.", syntaxErr.Offset)},
		}
	}
	return map[string][]string{bodyField: {"The JSON payload could not be read: " + err.Error()}}
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("The %s field is required.", fe.Field())
	case "gte":
		return fmt.Sprintf("The %s field must be greater than or equal to %s.", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("The %s field failed the %s check.", fe.Field(), fe.Tag())
	}
}

func writeProblem(w http.ResponseWriter, fields map[string][]string) {
	w.Header().Set("Content-Type", problemContentType)
	w.WriteHeader(http.StatusUnprocessableEntity)
	_ = json.NewEncoder(w).Encode(ValidationProblem{
		Type:   problemType,
		Title:  problemTitle,
		Status: http.StatusUnprocessableEntity,
		Errors: fields,
	})
}
