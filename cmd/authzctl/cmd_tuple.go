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
	"github.com/AleutianAI/AleutianGate/services/authz/tuple"
)

func parseTupleArgs(args []string) (tuple.Tuple, error) {
	subject, err := parseSubject(args[0])
	if err != nil {
		return tuple.Tuple{}, err
	}
	object, err := parseEntity(args[2])
	if err != nil {
		return tuple.Tuple{}, err
	}
	return tuple.Tuple{
		Subject:  subject,
		Relation: args[1],
		Object:   object,
		ZoneID:   zoneID,
	}, nil
}

func runGrant(cmd *cobra.Command, args []string) error {
	t, err := parseTupleArgs(args)
	if err != nil {
		return err
	}
	return withEngine(func(ctx context.Context, eng *engine.Engine) error {
		created, rev, err := eng.WriteTuplesBatch(ctx, zoneID, []tuple.Tuple{t})
		if err != nil {
			return err
		}
		if created == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "already granted %s %s %s (revision %d)\n",
				t.Subject.String(), t.Relation, t.Object.String(), rev)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "granted %s %s %s (revision %d)\n",
			t.Subject.String(), t.Relation, t.Object.String(), rev)
		return nil
	})
}

func runRevoke(cmd *cobra.Command, args []string) error {
	t, err := parseTupleArgs(args)
	if err != nil {
		return err
	}
	return withEngine(func(ctx context.Context, eng *engine.Engine) error {
		rev, err := eng.DeleteTuple(ctx, zoneID, t)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "revoked %s %s %s (revision %d)\n",
			t.Subject.String(), t.Relation, t.Object.String(), rev)
		return nil
	})
}
