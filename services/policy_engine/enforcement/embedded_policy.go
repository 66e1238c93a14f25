// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package enforcement bakes the data classification rules into the binary
// so the scanning policy is immutable at runtime and travels with the
// executable.
package enforcement

import (
	_ "embed"
)

// DataClassificationPatterns holds the raw bytes of
// data_classification_patterns.yaml, populated at compile time. Pass them
// to yaml.Unmarshal to build the rule set.
//
//go:embed data_classification_patterns.yaml
var DataClassificationPatterns []byte
