package sandbox

import (
	"archive/tar"
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"
	"github.com/klauspost/compress/gzip"
)

//go:embed templates
var templates embed.FS

const (
	entrypointName      = "entrypoint.ts"
	containerEntrypoint = "/app/entrypoint.ts"
)

// ignorePatterns are project files never copied into the sandbox.
var ignorePatterns = []string{
	"node_modules/**",
	".git/**",
	"dist/**",
	"build/**",
	"**/*.log",
}

// buildContext assembles the gzipped tar build context: the base
// Dockerfile, the merged package.json and tsconfig.json, the caller's code
// as entrypoint.ts, and the project files (minus ignores).
func buildContext(spec Spec) (io.Reader, error) {
	pkg, err := mergedTemplate("templates/package.base.json", spec.PackageJSON)
	if err != nil {
		return nil, fmt.Errorf("package.json: %w", err)
	}
	tsconfig, err := mergedTemplate("templates/tsconfig.base.json", spec.TSConfig)
	if err != nil {
		return nil, fmt.Errorf("tsconfig.json: %w", err)
	}
	dockerfile, err := templates.ReadFile("templates/Dockerfile.base")
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	files := []struct {
		name string
		data []byte
	}{
		{"Dockerfile", dockerfile},
		{"package.json", pkg},
		{"tsconfig.json", tsconfig},
		{entrypointName, []byte(spec.Code)},
	}
	for _, f := range files {
		if err := writeTarFile(tw, f.name, f.data); err != nil {
			return nil, err
		}
	}

	if spec.ProjectDir != "" {
		if err := addProjectFiles(tw, spec.ProjectDir); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// addProjectFiles copies the project tree into the tar, skipping ignored
// paths. The walk is concurrent, so paths are collected first and written
// sorted for a deterministic archive.
func addProjectFiles(tw *tar.Writer, root string) error {
	var (
		mu    sync.Mutex
		paths []string
	)

	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			// Prune the heavyweight trees without walking them
			switch d.Name() {
			case "node_modules", ".git":
				return filepath.SkipDir
			}
			return nil
		}
		if ignored(rel) {
			return nil
		}

		mu.Lock()
		paths = append(paths, rel)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return fmt.Errorf("walking project %s: %w", root, err)
	}

	sort.Strings(paths)
	for _, rel := range paths {
		data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			return err
		}
		if err := writeTarFile(tw, rel, data); err != nil {
			return err
		}
	}
	return nil
}

func ignored(rel string) bool {
	for _, pattern := range ignorePatterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func writeTarFile(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{
		Name: name,
		Mode: 0o644,
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}

// mergedTemplate deep-merges caller overrides into an embedded base JSON
// document.
func mergedTemplate(name string, overrides map[string]any) ([]byte, error) {
	raw, err := templates.ReadFile(name)
	if err != nil {
		return nil, err
	}

	var base map[string]any
	if err := json.Unmarshal(raw, &base); err != nil {
		return nil, err
	}

	return json.MarshalIndent(deepMerge(base, overrides), "", "    ")
}

// deepMerge merges override into base recursively; non-map values in
// override win.
func deepMerge(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if bv, ok := out[k].(map[string]any); ok {
			if ov, ok := v.(map[string]any); ok {
				out[k] = deepMerge(bv, ov)
				continue
			}
		}
		out[k] = v
	}
	return out
}
