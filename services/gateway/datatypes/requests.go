// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// MaxQuestionBytes bounds the question body.
const MaxQuestionBytes = 4000

// requestValidate is the validator instance for request datatypes.
var requestValidate *validator.Validate

// requestValidations are the custom tags used by request datatypes.
var requestValidations = map[string]validator.Func{
	"questionbytes": validateQuestionBytes,
	"notblank":      validateNotBlank,
}

func init() {
	v, err := newRequestValidator(requestValidations)
	if err != nil {
		panic(err)
	}
	requestValidate = v
}

func newRequestValidator(validations map[string]validator.Func) (*validator.Validate, error) {
	v := validator.New()
	for tag, fn := range validations {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return nil, fmt.Errorf("register validation %q: %w", tag, err)
		}
	}
	return v, nil
}

// validateQuestionBytes checks byte length, not rune count.
func validateQuestionBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxQuestionBytes
}

func validateNotBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

// AskRequest is the body of POST /v1/ask.
//
// # Fields
//
//   - JWT: Bearer token. May be empty when the token is sent in the
//     Authorization header instead.
//   - Question: Required. 1..MaxQuestionBytes bytes, not blank.
type AskRequest struct {
	JWT      string `json:"jwt"`
	Question string `json:"question" validate:"required,notblank,questionbytes"`
}

// Validate checks the request against its validator tags.
func (r *AskRequest) Validate() error {
	return requestValidate.Struct(r)
}

// AskResponse is the only body the caller receives on success: a verified
// answer, a fixed refusal, or the safe rejection message.
type AskResponse struct {
	Answer    string     `json:"answer"`
	Citations []Citation `json:"citations"`
}

// ErrorResponse is the generic failure body.
type ErrorResponse struct {
	Error string `json:"error"`
}
