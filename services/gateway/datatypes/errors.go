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
	"errors"
	"fmt"
)

// ErrorKind classifies a pipeline failure.
type ErrorKind string

const (
	KindAuthentication   ErrorKind = "authentication"
	KindPolicy           ErrorKind = "policy"
	KindRetrieval        ErrorKind = "retrieval"
	KindRerank           ErrorKind = "rerank"
	KindAnswerGeneration ErrorKind = "answer_generation"
	KindVerification     ErrorKind = "verification"
)

// Fatal reports whether a failure of this kind aborts the request. Policy
// degradation and rerank failures are absorbed by the pipeline.
func (k ErrorKind) Fatal() bool {
	switch k {
	case KindPolicy, KindRerank:
		return false
	default:
		return true
	}
}

// PipelineError is returned at the boundary of every stage.
//
// # Description
//
// PipelineError carries the failure kind and the stage that produced it so the
// HTTP layer can map it to a status code without inspecting messages. Message
// is safe to log; Err may carry store or model detail and is never returned to
// callers.
//
// # Example
//
//	if datatypes.IsKind(err, datatypes.KindAuthentication) {
//	    c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
//	}
type PipelineError struct {
	Kind    ErrorKind
	Stage   string
	Message string
	Err     error
}

// NewPipelineError wraps err with a kind, stage and message.
func NewPipelineError(kind ErrorKind, stage, message string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Stage: stage, Message: message, Err: err}
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s failure in %s: %s: %v", e.Kind, e.Stage, e.Message, e.Err)
	}
	return fmt.Sprintf("%s failure in %s: %s", e.Kind, e.Stage, e.Message)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// KindOf returns the kind of the first PipelineError in err's chain, or "".
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsKind reports whether err's chain contains a PipelineError of kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
