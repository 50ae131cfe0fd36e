// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command authzctl operates the authorization gate from the terminal:
// permission checks, tuple grants and revocations, zone consistency
// migrations, and bitmap cache maintenance against a local store.
//
// Usage:
//
//	authzctl --zone z1 check user:alice read file:/docs/a.md
//	authzctl --zone z1 grant user:alice direct_viewer dir:/workspace/
//	authzctl --zone z1 migrate eventual
//	authzctl --zone z1 bitmap show group:eng viewer file
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
