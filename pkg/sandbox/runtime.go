// Package sandbox runs generated code inside ephemeral, capability-dropped
// containers. Files travel in via an in-memory tar archive; the container
// runtime is reached only through a restricted proxy surface.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
)

// Runtime describes a detected language toolchain and its default commands.
type Runtime struct {
	Name  string
	Image string
	// Markers are the files whose presence selects this runtime.
	Markers []string

	Install []string
	Build   []string
	Test    []string
	Lint    []string
}

// runtimes is evaluated in order; first marker match wins.
var runtimes = []Runtime{
	{
		Name:    "node",
		Image:   "node:20-slim",
		Markers: []string{"package.json"},
		Install: []string{"npm install --no-audit --no-fund"},
		Build:   []string{"npm run build --if-present"},
		Test:    []string{"npm test --if-present"},
		Lint:    []string{"npx --yes eslint . || true"},
	},
	{
		Name:    "python",
		Image:   "python:3.12-slim",
		Markers: []string{"requirements.txt", "pyproject.toml"},
		Install: []string{"pip install --no-cache-dir -r requirements.txt || pip install --no-cache-dir ."},
		Build:   []string{"python -m compileall -q ."},
		Test:    []string{"python -m pytest -v"},
		Lint:    []string{"python -m pyflakes . || pip install --quiet pyflakes && python -m pyflakes ."},
	},
	{
		Name:    "go",
		Image:   "golang:1.22-alpine",
		Markers: []string{"go.mod"},
		Install: []string{"go mod download"},
		Build:   []string{"go build ./..."},
		Test:    []string{"go test ./..."},
		Lint:    []string{"go vet ./..."},
	},
	{
		Name:    "rust",
		Image:   "rust:1.78-slim",
		Markers: []string{"Cargo.toml"},
		Install: []string{"cargo fetch"},
		Build:   []string{"cargo build"},
		Test:    []string{"cargo test"},
		Lint:    []string{"cargo clippy --no-deps || cargo check"},
	},
	{
		Name:    "java",
		Image:   "eclipse-temurin:21-jdk-alpine",
		Markers: []string{"pom.xml"},
		Install: []string{"mvn -q dependency:resolve || ./mvnw -q dependency:resolve"},
		Build:   []string{"mvn -q compile || ./mvnw -q compile"},
		Test:    []string{"mvn -q test || ./mvnw -q test"},
		Lint:    []string{"mvn -q checkstyle:check || true"},
	},
}

// workspaceMarkers is the union of all runtime markers. The Engineer path
// normalizer consults this to decide whether a listing already sits at the
// workspace root.
var workspaceMarkers = func() map[string]bool {
	m := make(map[string]bool)
	for _, rt := range runtimes {
		for _, marker := range rt.Markers {
			m[marker] = true
		}
	}
	return m
}()

// IsWorkspaceMarker reports whether name is a runtime marker file.
func IsWorkspaceMarker(name string) bool {
	return workspaceMarkers[name]
}

// DetectRuntime picks the runtime for a workspace by first marker match.
func DetectRuntime(workspace string) (*Runtime, error) {
	for _, rt := range runtimes {
		for _, marker := range rt.Markers {
			if _, err := os.Lstat(filepath.Join(workspace, marker)); err == nil {
				detected := rt
				return &detected, nil
			}
		}
	}
	return nil, fmt.Errorf("no runtime marker found in %s", workspace)
}

// ImageFor returns the image for a runtime, honoring configured overrides.
func ImageFor(rt *Runtime, overrides map[string]string) string {
	if img, ok := overrides[rt.Name]; ok && img != "" {
		return img
	}
	return rt.Image
}
