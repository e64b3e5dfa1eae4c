package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
)

const modulePrefix = "stompy/"

// layers ranks every package tree. A package may import only module packages
// of a strictly lower rank.
var layers = []struct {
	prefix string
	rank   int
}{
	{prefix: "pkg/relay", rank: 0},
	{prefix: "internal/bufpool", rank: 0},
	{prefix: "internal/spool", rank: 0},
	{prefix: "internal/admin", rank: 0},
	{prefix: "internal/daemon", rank: 0},
	{prefix: "internal/notify", rank: 0},
	{prefix: "internal/safe", rank: 0},
	{prefix: "internal/streamq", rank: 1},
	{prefix: "internal/feed", rank: 2},
	{prefix: "internal/delivery", rank: 2},
	{prefix: "internal/telemetry", rank: 3},
	{prefix: "internal/kernel", rank: 4},
	{prefix: "cmd/", rank: 5},
	{prefix: "scripts/", rank: 5},
}

type listedPackage struct {
	ImportPath   string
	Imports      []string
	TestImports  []string
	XTestImports []string
}

func main() {
	packages, err := listPackages()
	if err != nil {
		fmt.Fprintf(os.Stderr, "arch-check: %v\n", err)
		os.Exit(1)
	}

	violations := collectViolations(packages)
	if len(violations) == 0 {
		_, _ = fmt.Fprintf(os.Stdout, "arch-check: passed\n")
		return
	}

	_, _ = fmt.Fprintf(os.Stdout, "arch-check: architecture violations:\n")
	for _, violation := range violations {
		_, _ = fmt.Fprintf(os.Stdout, "  - %s\n", violation)
	}
	os.Exit(1)
}

func listPackages() ([]listedPackage, error) {
	cmd := exec.Command("go", "list", "-json", "-test", "./...")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("go list -json -test ./...: %w", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(stdout.Bytes()))
	result := make([]listedPackage, 0, 32)
	for {
		var pkg listedPackage
		if err := decoder.Decode(&pkg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode go list output: %w", err)
		}
		if pkg.ImportPath == "" {
			continue
		}
		result = append(result, pkg)
	}

	return result, nil
}

func collectViolations(packages []listedPackage) []string {
	found := make(map[string]struct{})

	for _, pkg := range packages {
		imports := append([]string{}, pkg.Imports...)
		imports = append(imports, pkg.TestImports...)
		imports = append(imports, pkg.XTestImports...)

		for _, imported := range imports {
			reason := violationReason(testVariantPath(pkg.ImportPath), testVariantPath(imported))
			if reason == "" {
				continue
			}
			entry := fmt.Sprintf("%s -> %s (%s)", pkg.ImportPath, imported, reason)
			found[entry] = struct{}{}
		}
	}

	violations := make([]string, 0, len(found))
	for violation := range found {
		violations = append(violations, violation)
	}
	sort.Strings(violations)

	return violations
}

// testVariantPath maps the test variants go list reports (" [pkg.test]"
// suffixes, external _test packages and .test mains) to the package under test.
func testVariantPath(importPath string) string {
	importPath, _, _ = strings.Cut(importPath, " ")
	importPath = strings.TrimSuffix(importPath, ".test")
	return strings.TrimSuffix(importPath, "_test")
}

func violationReason(importer, imported string) string {
	if !strings.HasPrefix(imported, modulePrefix) || !strings.HasPrefix(importer, modulePrefix) {
		return ""
	}
	if packageRoot(importer) == packageRoot(imported) {
		return ""
	}

	importerRank, knownImporter := rankOf(importer)
	importedRank, knownImported := rankOf(imported)
	switch {
	case !knownImporter:
		return "package is not assigned to a layer"
	case !knownImported:
		return "imported package is not assigned to a layer"
	case importedRank >= importerRank:
		return fmt.Sprintf("layer %d must not import layer %d", importerRank, importedRank)
	default:
		return ""
	}
}

func rankOf(importPath string) (int, bool) {
	path := strings.TrimPrefix(importPath, modulePrefix)
	for _, layer := range layers {
		if strings.HasPrefix(path, layer.prefix) {
			return layer.rank, true
		}
	}

	return 0, false
}

// packageRoot returns the layer prefix a package belongs to, or the package
// itself when it has none.
func packageRoot(importPath string) string {
	path := strings.TrimPrefix(importPath, modulePrefix)
	for _, layer := range layers {
		if strings.HasPrefix(path, layer.prefix) && !strings.HasSuffix(layer.prefix, "/") {
			return layer.prefix
		}
	}

	return path
}
