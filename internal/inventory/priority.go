package inventory

import (
	"path"
	"strings"
)

// =============================================================================
// FILE PRIORITY MODEL
// =============================================================================
// Deterministic priority from path patterns, descending:
// manifest files > README > entry points > source by extension > docs >
// config > vendored/lock files. Tasks below DefaultPriorityFloor are only
// claimed when the caller explicitly ignores the floor.

const (
	PriorityManifest = 100
	PriorityReadme   = 90
	PriorityEntry    = 80
	PrioritySource   = 60
	PriorityDocs     = 40
	PriorityConfig   = 30
	PriorityOther    = 20
	PriorityVendored = 5

	// DefaultPriorityFloor excludes only the vendored/lock tier from
	// normal batch claims.
	DefaultPriorityFloor = 10
)

var manifestNames = map[string]bool{
	"package.json":     true,
	"go.mod":           true,
	"cargo.toml":       true,
	"pyproject.toml":   true,
	"requirements.txt": true,
	"pom.xml":          true,
	"build.gradle":     true,
	"gemfile":          true,
	"composer.json":    true,
	"setup.py":         true,
}

var sourceExts = map[string]bool{
	".go": true, ".rs": true, ".ts": true, ".tsx": true,
	".js": true, ".jsx": true, ".py": true, ".java": true,
	".c": true, ".cpp": true, ".h": true, ".rb": true,
	".kt": true, ".swift": true, ".cs": true, ".php": true,
	".sh": true, ".sql": true, ".vue": true, ".svelte": true,
}

var docExts = map[string]bool{
	".md": true, ".rst": true, ".txt": true, ".adoc": true,
}

var configExts = map[string]bool{
	".json": true, ".yaml": true, ".yml": true, ".toml": true,
	".ini": true, ".env": true, ".cfg": true, ".xml": true,
}

var vendoredSegments = []string{
	"node_modules", "vendor", "dist", "build", "target",
	"__pycache__", ".git", "coverage",
}

// ComputePriority returns the deterministic priority for a file path.
func ComputePriority(filePath string) int {
	lower := strings.ToLower(filePath)
	base := path.Base(lower)
	ext := path.Ext(base)

	// Vendored/generated/lock content is checked first so dist/bundle.js
	// never scores as source.
	if isVendoredPath(lower) || isLockFile(base) || strings.Contains(base, ".min.") {
		return PriorityVendored
	}

	if manifestNames[base] {
		return PriorityManifest
	}

	if strings.HasPrefix(base, "readme") {
		return PriorityReadme
	}

	name := strings.TrimSuffix(base, ext)
	if (name == "main" || name == "index" || name == "app") && sourceExts[ext] {
		return PriorityEntry
	}

	if sourceExts[ext] {
		return PrioritySource
	}
	if docExts[ext] {
		return PriorityDocs
	}
	if configExts[ext] {
		return PriorityConfig
	}

	return PriorityOther
}

func isVendoredPath(lower string) bool {
	for _, seg := range vendoredSegments {
		if strings.HasPrefix(lower, seg+"/") || strings.Contains(lower, "/"+seg+"/") {
			return true
		}
	}
	return false
}

func isLockFile(base string) bool {
	return strings.HasSuffix(base, ".lock") ||
		strings.HasSuffix(base, "-lock.json") ||
		strings.HasSuffix(base, ".sum") ||
		base == "yarn.lock" || base == "pnpm-lock.yaml"
}
