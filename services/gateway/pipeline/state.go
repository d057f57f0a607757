// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import "fmt"

// State is a step of one request's lifecycle.
type State string

const (
	StateAuthenticating State = "AUTHENTICATING"
	StateRetrieving     State = "RETRIEVING"
	StateAnswering      State = "ANSWERING"
	StateVerifying      State = "VERIFYING"
	StateReturned       State = "RETURNED"
	StateRejected       State = "REJECTED"
)

var stateOrder = map[State]int{
	StateAuthenticating: 0,
	StateRetrieving:     1,
	StateAnswering:      2,
	StateVerifying:      3,
	StateReturned:       4,
	StateRejected:       4,
}

// Terminal reports whether no transition may leave s.
func (s State) Terminal() bool {
	return s == StateReturned || s == StateRejected
}

// Trace is the ordered list of states a request passed through.
type Trace []State

// Current returns the latest state, or "" for an empty trace.
func (t Trace) Current() State {
	if len(t) == 0 {
		return ""
	}
	return t[len(t)-1]
}

// advance appends next when it is strictly later than the current state.
func (t *Trace) advance(next State) error {
	rank, ok := stateOrder[next]
	if !ok {
		return fmt.Errorf("unknown state %q", next)
	}
	if cur := t.Current(); cur != "" {
		if cur.Terminal() || rank <= stateOrder[cur] {
			return fmt.Errorf("illegal transition %s -> %s", cur, next)
		}
	} else if next != StateAuthenticating {
		return fmt.Errorf("request must start in %s", StateAuthenticating)
	}
	*t = append(*t, next)
	return nil
}
