// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
This file bakes the access_policy.yaml file into the compiled binary with the
Go embed package. The role-to-classification rules therefore travel with the
executable and cannot be changed on the host filesystem without a rebuild.
*/

package enforcement

import (
	_ "embed"
)

// AccessPolicy holds the raw bytes of 'access_policy.yaml'.
//
// Usage:
//
//	err := yaml.Unmarshal(enforcement.AccessPolicy, &targetStruct)
//
//go:embed access_policy.yaml
var AccessPolicy []byte
