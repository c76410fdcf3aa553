// Command depscheck fails when a deterministic core package imports the
// transport, persistence or process layers, or anything outside the module
// besides the codec libraries the core is allowed to use.
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

const module = "simsync/server/"

type packageInfo struct {
	ImportPath string
	Imports    []string
}

var corePackages = map[string]bool{
	module + "internal/wire":     true,
	module + "internal/catalog":  true,
	module + "internal/iff":      true,
	module + "internal/world":    true,
	module + "internal/snapshot": true,
	module + "internal/trace":    true,
	module + "internal/command":  true,
}

var forbiddenPrefixes = []string{
	module + "internal/netplay",
	module + "internal/net",
	module + "internal/store",
	module + "internal/config",
	module + "internal/app",
	module + "internal/sim",
	module + "internal/journal",
}

var allowedExternal = []string{
	"github.com/pierrec/lz4/v4",
	"lukechampine.com/blake3",
}

func main() {
	cmd := exec.Command("go", "list", "-json", "./internal/...")
	cmd.Env = os.Environ()
	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			os.Stderr.Write(exitErr.Stderr)
		}
		fmt.Fprintf(os.Stderr, "depscheck: failed to list packages: %v\n", err)
		os.Exit(1)
	}

	violations, err := check(bytes.NewReader(output))
	if err != nil {
		fmt.Fprintf(os.Stderr, "depscheck: failed to decode package info: %v\n", err)
		os.Exit(1)
	}

	if len(violations) > 0 {
		fmt.Fprintln(os.Stderr, "depscheck: found forbidden imports:")
		for _, violation := range violations {
			fmt.Fprintf(os.Stderr, "  %s\n", violation)
		}
		os.Exit(1)
	}
}

func check(r io.Reader) ([]string, error) {
	decoder := json.NewDecoder(r)
	var violations []string
	for {
		var pkg packageInfo
		if err := decoder.Decode(&pkg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		if !corePackages[pkg.ImportPath] {
			continue
		}
		for _, imp := range pkg.Imports {
			if forbidden(imp) {
				violations = append(violations, fmt.Sprintf("%s -> %s", pkg.ImportPath, imp))
			}
		}
	}
	sort.Strings(violations)
	return violations, nil
}

func forbidden(imp string) bool {
	for _, prefix := range forbiddenPrefixes {
		if imp == prefix || strings.HasPrefix(imp, prefix+"/") {
			return true
		}
	}
	if strings.HasPrefix(imp, module) || !strings.Contains(strings.SplitN(imp, "/", 2)[0], ".") {
		return false
	}
	for _, allowed := range allowedExternal {
		if imp == allowed || strings.HasPrefix(imp, allowed+"/") {
			return false
		}
	}
	return true
}
