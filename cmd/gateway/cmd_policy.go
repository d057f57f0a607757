// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/AleutianAI/AleutianGate/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGate/services/policy_engine"
	"github.com/AleutianAI/AleutianGate/services/policy_engine/enforcement"
	"github.com/spf13/cobra"
)

// PolicyVerifyResult is the --json output of "policy verify".
type PolicyVerifyResult struct {
	Valid    bool   `json:"valid"`
	Hash     string `json:"hash"`
	ByteSize int    `json:"byte_size"`
	Version  string `json:"version"`
}

// PolicyDeriveResult is the output of "policy derive".
type PolicyDeriveResult struct {
	AllowTags         []string `json:"allow_tags"`
	MaxClassification string   `json:"max_classification"`
	Degraded          bool     `json:"degraded"`
	Reason            string   `json:"reason"`
	MatchedRule       string   `json:"matched_rule,omitempty"`
	UnrecognizedRoles []string `json:"unrecognized_roles,omitempty"`
	PolicyVersion     string   `json:"policy_version"`
}

// claimsFile is the operator-supplied identity for "policy derive", shaped
// like the JWT claim set.
type claimsFile struct {
	Subject string   `json:"sub"`
	Roles   []string `json:"roles"`
	Tenant  string   `json:"tenant"`
	StepUp  bool     `json:"step_up"`
	Tier    string   `json:"tier"`
}

func newPolicyCmd() *cobra.Command {
	policyCmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the embedded access policy",
	}

	var verifyJSON bool
	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Print the SHA-256 fingerprint of the embedded policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return verifyPolicy(cmd.OutOrStdout(), verifyJSON)
		},
	}
	verifyCmd.Flags().BoolVar(&verifyJSON, "json", false, "emit JSON")

	dumpCmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the embedded policy YAML",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprint(cmd.OutOrStdout(), string(enforcement.AccessPolicy))
		},
	}

	var claimsPath string
	deriveCmd := &cobra.Command{
		Use:   "derive",
		Short: "Show the access filter the policy derives for a claims document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return derivePolicy(cmd.Context(), cmd.OutOrStdout(), claimsPath)
		},
	}
	deriveCmd.Flags().StringVar(&claimsPath, "claims", "", "JSON file with sub, roles, tenant, step_up, tier (\"-\" for stdin)")
	_ = deriveCmd.MarkFlagRequired("claims")

	policyCmd.AddCommand(verifyCmd, dumpCmd, deriveCmd)
	return policyCmd
}

func verifyPolicy(w io.Writer, asJSON bool) error {
	engine, err := policy_engine.NewPolicyEngine()
	if err != nil {
		return fmt.Errorf("embedded policy is invalid: %w", err)
	}

	if asJSON {
		return writeJSON(w, PolicyVerifyResult{
			Valid:    true,
			Hash:     engine.Fingerprint(),
			ByteSize: len(enforcement.AccessPolicy),
			Version:  engine.Version(),
		})
	}

	fmt.Fprintln(w, "--- Embedded Policy Verification ---")
	fmt.Fprintf(w, "Policy version: %s\n", engine.Version())
	fmt.Fprintf(w, "Policy byte size: %d bytes\n", len(enforcement.AccessPolicy))
	fmt.Fprintf(w, "SHA256 Fingerprint: %s\n", engine.Fingerprint())
	fmt.Fprintln(w, "------------------------------------")
	return nil
}

func derivePolicy(ctx context.Context, w io.Writer, path string) error {
	if path == "" {
		return errors.New("--claims is required")
	}
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("read claims: %w", err)
	}

	var doc claimsFile
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("parse claims: %w", err)
	}

	// Operator lookups are not access decisions; keep them out of the audit
	// trail and off stderr.
	engine, err := policy_engine.NewPolicyEngine(
		policy_engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	decision := engine.DeriveDecision(ctx, datatypes.NewClaims(doc.Subject, doc.Roles, doc.Tenant, doc.StepUp, doc.Tier))

	tags := decision.Filter.AllowTags()
	if tags == nil {
		tags = []string{}
	}
	return writeJSON(w, PolicyDeriveResult{
		AllowTags:         tags,
		MaxClassification: decision.Filter.MaxClassification().String(),
		Degraded:          decision.Degraded,
		Reason:            decision.Reason,
		MatchedRule:       decision.MatchedRule,
		UnrecognizedRoles: decision.UnrecognizedRoles,
		PolicyVersion:     engine.Version(),
	})
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
