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
	"os/signal"
	"strings"
	"syscall"

	"github.com/AleutianAI/AleutianGate/pkg/extensions"
	"github.com/AleutianAI/AleutianGate/pkg/logging"
	"github.com/AleutianAI/AleutianGate/services/authz/engine"
	"github.com/AleutianAI/AleutianGate/services/authz/tuple"
)

// withEngine assembles the engine from the global flags, runs fn, and
// tears everything down. SIGINT/SIGTERM cancel the context.
func withEngine(fn func(ctx context.Context, eng *engine.Engine) error) error {
	logger, err := logging.Setup(logging.Config{
		Level:   logLevel,
		Service: "authzctl",
		JSON:    logJSON,
	})
	if err != nil {
		return err
	}
	defer logger.Close()

	cfg := engine.DefaultConfig()
	if configPath != "" {
		cfg, err = engine.LoadConfig(configPath)
		if err != nil {
			return err
		}
	}
	if cfg.DataDir == "" {
		cfg.DataDir = dataDir
	}

	registry, grantPerms, err := loadNamespaces(namespacesPath)
	if err != nil {
		return err
	}

	opts := []engine.Option{
		engine.WithSyncMaterialization(),
		engine.WithAuditLogger(extensions.SlogAuditLogger{}),
	}
	if len(grantPerms) > 0 {
		opts = append(opts, engine.WithGrantPermissions(grantPerms))
	}
	eng, err := engine.New(cfg, registry, newFSEnumerator(fsRoot), opts...)
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return fn(ctx, eng)
}

// parseSubject parses "type:id" or "type:id#relation".
func parseSubject(s string) (tuple.Subject, error) {
	entityPart, relation, hasRel := strings.Cut(s, "#")
	entity, err := parseEntity(entityPart)
	if err != nil {
		return tuple.Subject{}, err
	}
	if hasRel && relation == "" {
		return tuple.Subject{}, fmt.Errorf("subject %q: empty userset relation", s)
	}
	return tuple.Subject{Entity: entity, Relation: relation}, nil
}

// parseEntity parses "type:id". IDs may contain further colons (paths).
func parseEntity(s string) (tuple.Entity, error) {
	typ, id, ok := strings.Cut(s, ":")
	if !ok || typ == "" || id == "" {
		return tuple.Entity{}, fmt.Errorf("entity %q: want type:id", s)
	}
	return tuple.Entity{Type: typ, ID: id}, nil
}
