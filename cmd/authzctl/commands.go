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
	"time"

	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath     string
	dataDir        string
	namespacesPath string
	fsRoot         string
	zoneID         string
	logLevel       string
	logJSON        bool
	consistency    string
	invSubject     string
	migrateTimeout time.Duration

	rootCmd = &cobra.Command{
		Use:   "authzctl",
		Short: "Operate the authorization gate: checks, grants, migrations and cache maintenance",
		Long: `authzctl runs authorization operations against a local tuple store.
It evaluates permission checks through the same engine the gate serves
from, so results match production behavior including bitmap caching
and consistency modes.`,
		SilenceUsage: true,
	}

	checkCmd = &cobra.Command{
		Use:   "check <subject> <permission> <object>",
		Short: "Decide whether a subject holds a permission on an object",
		Args:  cobra.ExactArgs(3),
		RunE:  runCheck,
	}

	grantCmd = &cobra.Command{
		Use:   "grant <subject> <relation> <object>",
		Short: "Write a relation tuple (directories expand into bitmaps)",
		Args:  cobra.ExactArgs(3),
		RunE:  runGrant,
	}
	revokeCmd = &cobra.Command{
		Use:   "revoke <subject> <relation> <object>",
		Short: "Delete a relation tuple and invalidate dependent caches",
		Args:  cobra.ExactArgs(3),
		RunE:  runRevoke,
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate <strong|eventual>",
		Short: "Migrate the zone's consistency mode",
		Args:  cobra.ExactArgs(1),
		RunE:  runMigrate,
	}

	// --- Bitmap Maintenance ---
	bitmapCmd = &cobra.Command{
		Use:   "bitmap",
		Short: "Inspect and maintain the bitmap cache",
	}
	bitmapShowCmd = &cobra.Command{
		Use:   "show <subject> <permission> <resource-type>",
		Short: "Print a subject's cached resource bitmap",
		Args:  cobra.ExactArgs(3),
		RunE:  runBitmapShow,
	}
	bitmapInvalidateCmd = &cobra.Command{
		Use:   "invalidate",
		Short: "Drop cached bitmaps for the zone, optionally one subject",
		Args:  cobra.NoArgs,
		RunE:  runBitmapInvalidate,
	}

	expandCmd = &cobra.Command{
		Use:   "expand",
		Short: "Run pending directory-grant expansions for the zone",
		Args:  cobra.NoArgs,
		RunE:  runExpand,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Print cache and circuit breaker statistics",
		Args:  cobra.NoArgs,
		RunE:  runStats,
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Engine config file (YAML)")
	pf.StringVar(&dataDir, "data-dir", "authz-data", "Tuple store directory")
	pf.StringVar(&namespacesPath, "namespaces", "namespaces.yaml", "Namespace definitions (YAML)")
	pf.StringVar(&fsRoot, "fs-root", ".", "Filesystem root for directory enumeration")
	pf.StringVarP(&zoneID, "zone", "z", "", "Tenant zone ID (required)")
	pf.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	pf.BoolVar(&logJSON, "log-json", false, "Force JSON logs on stderr")
	rootCmd.MarkPersistentFlagRequired("zone")

	checkCmd.Flags().StringVar(&consistency, "consistency", "default",
		"Consistency: default (zone mode), strong, eventual")
	migrateCmd.Flags().DurationVar(&migrateTimeout, "timeout", 30*time.Second,
		"Drain and switch deadline for the migration")
	bitmapInvalidateCmd.Flags().StringVar(&invSubject, "subject", "",
		"Limit invalidation to one subject (type:id)")

	bitmapCmd.AddCommand(bitmapShowCmd, bitmapInvalidateCmd)
	rootCmd.AddCommand(checkCmd, grantCmd, revokeCmd, migrateCmd, bitmapCmd, expandCmd, statsCmd)
}
