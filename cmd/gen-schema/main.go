// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

// Command gen-schema writes the JSON Schemas of the API request bodies.
package main

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/gatekeep/gatekeep/internal/web"
)

func main() {
	schemas, err := web.RequestSchemas()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating schemas: %v\n", err)
		os.Exit(1)
	}

	outDir := filepath.Join("schemas", "api")
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating directory: %v\n", err)
		os.Exit(1)
	}

	for _, name := range slices.Sorted(maps.Keys(schemas)) {
		outPath := filepath.Join(outDir, name+".schema.json")
		if err := os.WriteFile(outPath, append(schemas[name], '\n'), 0o600); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing file: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Generated %s\n", outPath)
	}
}
