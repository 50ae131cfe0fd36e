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
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianGate/services/authz/tuple"
)

// namespaceFile is the YAML schema for namespace definitions.
//
// Example:
//
//	namespaces:
//	  - object_type: file
//	    hierarchy_relations: [parent]
//	    permissions:
//	      read: {union: [viewer, editor, owner]}
//	      viewer: {union: [direct_viewer, inherited_viewer]}
//	      inherited_viewer: {tupleset: parent, computed: viewer}
//	  - object_type: group
//	    permissions:
//	      member: {direct: true}
type namespaceFile struct {
	Namespaces []yamlNamespace `yaml:"namespaces"`

	// GrantPermissions maps tuple relations to the permission their
	// directory grants materialize, e.g. direct_viewer: viewer.
	GrantPermissions map[string]string `yaml:"grant_permissions"`
}

type yamlNamespace struct {
	ObjectType         string                 `yaml:"object_type"`
	HierarchyRelations []string               `yaml:"hierarchy_relations"`
	Permissions        map[string]yamlRewrite `yaml:"permissions"`
}

// yamlRewrite accepts exactly one rewrite form per permission.
type yamlRewrite struct {
	Direct       bool     `yaml:"direct"`
	Union        []string `yaml:"union"`
	Intersection []string `yaml:"intersection"`
	Exclusion    string   `yaml:"exclusion"`
	Tupleset     string   `yaml:"tupleset"`
	Computed     string   `yaml:"computed"`
}

func (r yamlRewrite) toRewrite(objectType, name string) (tuple.Rewrite, error) {
	forms := 0
	var rw tuple.Rewrite
	if r.Direct {
		forms++
		rw = tuple.Direct()
	}
	if len(r.Union) > 0 {
		forms++
		rw = tuple.Union(r.Union...)
	}
	if len(r.Intersection) > 0 {
		forms++
		rw = tuple.Intersection(r.Intersection...)
	}
	if r.Exclusion != "" {
		forms++
		rw = tuple.Exclusion(r.Exclusion)
	}
	if r.Tupleset != "" || r.Computed != "" {
		forms++
		rw = tuple.TupleToUserset(r.Tupleset, r.Computed)
	}
	if forms != 1 {
		return tuple.Rewrite{}, fmt.Errorf("%s.%s: exactly one rewrite form required, found %d",
			objectType, name, forms)
	}
	return rw, nil
}

// loadNamespaces reads the namespace YAML into a validated registry plus
// the grant-permission mapping.
func loadNamespaces(path string) (*tuple.Registry, map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading namespaces %s: %w", path, err)
	}
	var file namespaceFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("parsing namespaces %s: %w", path, err)
	}
	if len(file.Namespaces) == 0 {
		return nil, nil, fmt.Errorf("namespaces %s: no namespaces defined", path)
	}

	configs := make([]*tuple.NamespaceConfig, 0, len(file.Namespaces))
	for _, ns := range file.Namespaces {
		perms := make(map[string]tuple.Rewrite, len(ns.Permissions))
		for name, yr := range ns.Permissions {
			rw, err := yr.toRewrite(ns.ObjectType, name)
			if err != nil {
				return nil, nil, err
			}
			perms[name] = rw
		}
		configs = append(configs, &tuple.NamespaceConfig{
			ObjectType:         ns.ObjectType,
			Permissions:        perms,
			HierarchyRelations: ns.HierarchyRelations,
		})
	}

	registry, err := tuple.NewRegistry(configs...)
	if err != nil {
		return nil, nil, err
	}
	return registry, file.GrantPermissions, nil
}
