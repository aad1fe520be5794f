// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bureau-foundation/offload/lib/cas"
)

// defaultLibraryDirs is where the dynamic loader looks after RUNPATH
// and LD_LIBRARY_PATH.
var defaultLibraryDirs = []string{
	"/lib", "/lib64", "/usr/lib", "/usr/lib64",
	"/lib/x86_64-linux-gnu", "/usr/lib/x86_64-linux-gnu",
	"/lib/aarch64-linux-gnu", "/usr/lib/aarch64-linux-gnu",
}

type applicationCache struct {
	mu      sync.Mutex
	entries map[string]*applicationEntry
}

// applicationEntry is resolved once; concurrent requests for the same
// application wait on its mutex.
type applicationEntry struct {
	mu      sync.Mutex
	ready   bool
	modules []Module
}

// applicationModules returns the application followed by the shared
// libraries it loads, each with its content key. Libraries under the
// system directories are marked System and not hashed.
func (c *Coordinator) applicationModules(application string) ([]Module, error) {
	c.applications.mu.Lock()
	entry, ok := c.applications.entries[application]
	if !ok {
		entry = &applicationEntry{}
		c.applications.entries[application] = entry
	}
	c.applications.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.ready {
		return entry.modules, nil
	}

	paths, err := dependencyClosure(application, os.Getenv("LD_LIBRARY_PATH"))
	if err != nil {
		return nil, err
	}
	modules := make([]Module, 0, len(paths))
	for _, path := range paths {
		module := Module{Path: path, Mode: fileMode(path)}
		if path != application && underAny(path, c.config.SystemDirs) {
			module.System = true
			modules = append(modules, module)
			continue
		}
		module.Key, err = c.storeCasFile(cas.KeyForName(path), path)
		if err != nil {
			return nil, fmt.Errorf("hashing module %s: %w", path, err)
		}
		if module.Key.IsZero() {
			return nil, fmt.Errorf("module %s of %s does not exist", path, application)
		}
		modules = append(modules, module)
	}
	entry.modules = modules
	entry.ready = true
	return modules, nil
}

// dependencyClosure walks the DT_NEEDED entries of application
// breadth first. A file that is not ELF has no dependencies. A needed
// library that cannot be found is an error.
func dependencyClosure(application, libraryPath string) ([]string, error) {
	if _, err := os.Stat(application); err != nil {
		return nil, fmt.Errorf("application: %w", err)
	}
	closure := []string{application}
	seen := map[string]bool{application: true}
	neededSeen := make(map[string]bool)
	for index := 0; index < len(closure); index++ {
		needed, searchDirs, err := elfDependencies(closure[index])
		if err != nil {
			return nil, err
		}
		searchDirs = append(searchDirs, filepath.SplitList(libraryPath)...)
		searchDirs = append(searchDirs, defaultLibraryDirs...)
		for _, library := range needed {
			if neededSeen[library] {
				continue
			}
			neededSeen[library] = true
			path, ok := findLibrary(library, searchDirs)
			if !ok {
				return nil, fmt.Errorf("%s needs %s, not found", closure[index], library)
			}
			if !seen[path] {
				seen[path] = true
				closure = append(closure, path)
			}
		}
	}
	return closure, nil
}

// elfDependencies returns the libraries path needs and the directories
// named by its RUNPATH or RPATH, with $ORIGIN expanded.
func elfDependencies(path string) (needed, searchDirs []string, err error) {
	file, err := elf.Open(path)
	if err != nil {
		var formatErr *elf.FormatError
		if errors.As(err, &formatErr) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer file.Close()

	needed, err = file.ImportedLibraries()
	if err != nil {
		return nil, nil, fmt.Errorf("reading dependencies of %s: %w", path, err)
	}
	runPath, _ := file.DynString(elf.DT_RUNPATH)
	if len(runPath) == 0 {
		runPath, _ = file.DynString(elf.DT_RPATH)
	}
	origin := filepath.Dir(path)
	for _, entry := range runPath {
		for _, dir := range filepath.SplitList(entry) {
			dir = strings.ReplaceAll(dir, "${ORIGIN}", origin)
			dir = strings.ReplaceAll(dir, "$ORIGIN", origin)
			searchDirs = append(searchDirs, dir)
		}
	}
	return needed, searchDirs, nil
}

func findLibrary(name string, dirs []string) (string, bool) {
	if strings.ContainsRune(name, '/') {
		return filepath.Clean(name), isRegularFile(name)
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		if isRegularFile(candidate) {
			return candidate, true
		}
	}
	return "", false
}

// searchBinary finds an executable the way a worker's loader would
// look for it: absolute names as given, otherwise the application
// directory, the loader paths, then PATH.
func (c *Coordinator) searchBinary(name, applicationDir string, loaderPaths []string) (string, bool) {
	if filepath.IsAbs(name) {
		name = filepath.Clean(name)
		return name, isRegularFile(name)
	}
	dirs := make([]string, 0, 1+len(loaderPaths))
	dirs = append(dirs, applicationDir)
	dirs = append(dirs, loaderPaths...)
	dirs = append(dirs, filepath.SplitList(c.pathVariable())...)
	return findLibrary(name, dirs)
}

func (c *Coordinator) pathVariable() string {
	environ := os.Environ
	if c.config.Environ != nil {
		environ = c.config.Environ
	}
	for _, variable := range environ() {
		if value, ok := strings.CutPrefix(variable, "PATH="); ok {
			return value
		}
	}
	return ""
}

func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
