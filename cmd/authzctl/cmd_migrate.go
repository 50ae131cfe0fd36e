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
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianGate/services/authz/engine"
	"github.com/AleutianAI/AleutianGate/services/authz/store"
)

func runMigrate(cmd *cobra.Command, args []string) error {
	target := store.Mode(args[0])
	if !target.Valid() {
		return fmt.Errorf("unknown consistency mode %q, want strong or eventual", args[0])
	}
	return withEngine(func(ctx context.Context, eng *engine.Engine) error {
		result := eng.MigrateZone(ctx, zoneID, target, migrateTimeout)
		if !result.Success {
			return fmt.Errorf("migration of zone %s failed: %w", zoneID, result.Err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "zone %s migrated %s -> %s in %s\n",
			zoneID, result.FromMode, result.ToMode, result.Duration.Round(time.Millisecond))
		return nil
	})
}
