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
	"github.com/AleutianAI/AleutianGate/services/authz/tiger"
)

func runBitmapShow(cmd *cobra.Command, args []string) error {
	subject, err := parseEntity(args[0])
	if err != nil {
		return err
	}
	key := tiger.Key{
		SubjectType:  subject.Type,
		SubjectID:    subject.ID,
		Permission:   args[1],
		ResourceType: args[2],
		ZoneID:       zoneID,
	}
	return withEngine(func(ctx context.Context, eng *engine.Engine) error {
		bm, revision, ok := eng.GetBitmap(ctx, key)
		if !ok {
			fmt.Fprintln(cmd.OutOrStdout(), "no cached bitmap")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "revision %d, %d resources\n", revision, bm.Len())
		for _, id := range bm.Slice() {
			fmt.Fprintf(cmd.OutOrStdout(), "  %d\n", id)
		}
		return nil
	})
}

func runBitmapInvalidate(cmd *cobra.Command, args []string) error {
	filter := tiger.InvalidateFilter{ZoneID: zoneID}
	if invSubject != "" {
		subject, err := parseEntity(invSubject)
		if err != nil {
			return err
		}
		filter.SubjectType = subject.Type
		filter.SubjectID = subject.ID
	}
	return withEngine(func(ctx context.Context, eng *engine.Engine) error {
		n, err := eng.InvalidateBitmaps(ctx, filter)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "invalidated %d bitmap entries\n", n)
		return nil
	})
}

func runExpand(cmd *cobra.Command, args []string) error {
	return withEngine(func(ctx context.Context, eng *engine.Engine) error {
		n, err := eng.ExpandPending(ctx, zoneID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "expanded %d pending grants\n", n)
		return nil
	})
}

func runStats(cmd *cobra.Command, args []string) error {
	return withEngine(func(ctx context.Context, eng *engine.Engine) error {
		s := eng.Stats()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "bitmap cache: %d entries, %d hits, %d misses, %d evictions\n",
			s.Tiger.EntryCount, s.Tiger.Hits, s.Tiger.Misses, s.Tiger.Evictions)
		fmt.Fprintf(out, "result cache: %d entries, %d hits, %d misses, %d invalidated\n",
			s.ReadSet.EntryCount, s.ReadSet.Hits, s.ReadSet.Misses, s.ReadSet.Invalidated)
		fmt.Fprintf(out, "store breaker: %s, %d failures in window\n",
			s.Breaker.State, s.Breaker.WindowFailures)
		return nil
	})
}
