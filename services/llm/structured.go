// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrMalformedOutput is wrapped by every DecodeJSON failure.
var ErrMalformedOutput = errors.New("malformed model output")

// DecodeJSON extracts the first JSON object from raw model output and decodes
// it strictly into T.
//
// # Description
//
// Models wrap JSON in markdown fences or add a sentence before it even in
// JSON mode. DecodeJSON strips a surrounding fence, takes the first balanced
// top-level object, and decodes it with unknown fields rejected. Trailing
// text after the object is ignored. When validate is non-nil the result must
// also pass struct validation.
//
// # Outputs
//
//   - T: The decoded value. Zero on error.
//   - error: Wraps ErrMalformedOutput.
func DecodeJSON[T any](raw string, validate *validator.Validate) (T, error) {
	var out T

	obj, ok := firstJSONObject(stripFence(raw))
	if !ok {
		return out, fmt.Errorf("%w: no JSON object found", ErrMalformedOutput)
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(obj)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		var zero T
		return zero, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}

	if validate != nil {
		if err := validate.Struct(out); err != nil {
			var zero T
			return zero, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
		}
	}
	return out, nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// Drop a language tag such as "json".
		s = s[nl+1:]
	}
	if end := strings.LastIndex(s, "```"); end >= 0 {
		s = s[:end]
	}
	return strings.TrimSpace(s)
}

// firstJSONObject returns the first balanced {...} span, honoring string
// literals and escapes.
func firstJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
