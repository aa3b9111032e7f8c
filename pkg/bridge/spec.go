package bridge

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// LaunchConfig describes where the bridge lives, as configured by the
// caller.
type LaunchConfig struct {
	// Path is the bridge entry point: a script such as dist/index.js, a
	// native executable, or a command name to look up on PATH.
	Path string
	// WorkDir overrides the working directory.
	WorkDir string
	// Node is the JavaScript runtime used for script entry points.
	// Defaults to "node".
	Node string
	// Args are appended after the entry point.
	Args []string
	// Env holds extra KEY=VALUE pairs added to the inherited environment.
	Env []string
}

// Spec is a fully resolved command line for the bridge process.
type Spec struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

func (s Spec) String() string {
	return strings.TrimSpace(s.Path + " " + strings.Join(s.Args, " "))
}

// ResolveSpec turns cfg into a launchable Spec.
//
// An existing file is used directly; script files (.js, .mjs, .cjs) run
// under the Node runtime. When no working directory is configured and the
// entry point is a real file, the bridge runs from the parent of the
// file's directory, so dist/index.js starts in the package root where
// node_modules lives. A bare command name is looked up on PATH and runs in
// the caller's working directory. Failures are reported as *SpawnError.
func ResolveSpec(cfg LaunchConfig) (Spec, error) {
	if cfg.Path == "" {
		return Spec{}, &SpawnError{Err: ErrNoExecutable}
	}
	spec := Spec{Dir: cfg.WorkDir, Env: cfg.Env}

	info, err := os.Stat(cfg.Path)
	switch {
	case err == nil && info.Mode().IsRegular():
		abs, err := filepath.Abs(cfg.Path)
		if err != nil {
			return Spec{}, &SpawnError{Path: cfg.Path, Err: err}
		}
		if isScript(abs) {
			node := cfg.Node
			if node == "" {
				node = "node"
			}
			runtime, err := exec.LookPath(node)
			if err != nil {
				return Spec{}, &SpawnError{Path: node, Err: err}
			}
			spec.Path = runtime
			spec.Args = append([]string{abs}, cfg.Args...)
		} else {
			spec.Path = abs
			spec.Args = append([]string(nil), cfg.Args...)
		}
		if spec.Dir == "" {
			spec.Dir = filepath.Dir(filepath.Dir(abs))
		}
	case err == nil:
		return Spec{}, &SpawnError{Path: cfg.Path, Err: errors.New("not a regular file")}
	case strings.ContainsRune(cfg.Path, os.PathSeparator) || strings.ContainsRune(cfg.Path, '/'):
		return Spec{}, &SpawnError{Path: cfg.Path, Err: err}
	default:
		found, err := exec.LookPath(cfg.Path)
		if err != nil {
			return Spec{}, &SpawnError{Path: cfg.Path, Err: err}
		}
		spec.Path = found
		spec.Args = append([]string(nil), cfg.Args...)
	}

	if spec.Dir != "" {
		if info, err := os.Stat(spec.Dir); err != nil {
			return Spec{}, &SpawnError{Path: cfg.Path, Err: fmt.Errorf("working directory: %w", err)}
		} else if !info.IsDir() {
			return Spec{}, &SpawnError{Path: cfg.Path, Err: fmt.Errorf("working directory %s is not a directory", spec.Dir)}
		}
	}
	return spec, nil
}

func isScript(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".js", ".mjs", ".cjs":
		return true
	}
	return false
}
