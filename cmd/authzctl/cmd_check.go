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

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianGate/services/authz/engine"
)

func runCheck(cmd *cobra.Command, args []string) error {
	subject, err := parseEntity(args[0])
	if err != nil {
		return err
	}
	object, err := parseEntity(args[2])
	if err != nil {
		return err
	}

	var mode engine.Consistency
	switch consistency {
	case "default":
		mode = engine.ConsistencyDefault
	case "strong":
		mode = engine.ConsistencyStrong
	case "eventual":
		mode = engine.ConsistencyEventual
	default:
		return fmt.Errorf("unknown consistency %q", consistency)
	}

	return withEngine(func(ctx context.Context, eng *engine.Engine) error {
		allowed, err := eng.Check(ctx, subject, args[1], object, zoneID, mode)
		if err != nil {
			return err
		}
		if allowed {
			fmt.Fprintln(cmd.OutOrStdout(), "ALLOW")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), "DENY")
		return nil
	})
}
