package config

import (
	"fmt"
	"path/filepath"
	"sort"
)

// ResolveIncludes processes the include directive in the config, loading
// every matched file and merging its [init.files] entries. Returns warnings
// for patterns that match no files. The configDir is the directory of the
// main config file.
func ResolveIncludes(cfg *Config, configDir string) ([]string, error) {
	if len(cfg.Include) == 0 {
		return nil, nil
	}

	var warnings []string
	seen := make(map[string]bool)

	for _, pattern := range cfg.Include {
		// Resolve relative patterns against config directory.
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(configDir, pattern)
		}

		matches, err := filepath.Glob(pattern)
		if err != nil {
			return warnings, fmt.Errorf("invalid include pattern %q: %w", pattern, err)
		}

		if len(matches) == 0 {
			warnings = append(warnings, fmt.Sprintf("include pattern %q matched no files", pattern))
			continue
		}

		// Sort for deterministic merge order.
		sort.Strings(matches)

		for _, path := range matches {
			absPath, err := filepath.Abs(path)
			if err != nil {
				return warnings, fmt.Errorf("cannot resolve include path %q: %w", path, err)
			}

			if seen[absPath] {
				return warnings, fmt.Errorf("circular include detected: %s", absPath)
			}
			seen[absPath] = true

			included, incWarnings, err := Load(absPath)
			if err != nil {
				return warnings, fmt.Errorf("include %s: %w", absPath, err)
			}
			warnings = append(warnings, incWarnings...)

			if err := ExpandVariables(included, absPath); err != nil {
				return warnings, fmt.Errorf("include %s: variable expansion failed: %w", absPath, err)
			}
			if err := mergeFiles(cfg, included, absPath); err != nil {
				return warnings, err
			}
		}
	}

	// Clear includes to prevent re-processing.
	cfg.Include = nil

	return warnings, nil
}

func mergeFiles(dst, src *Config, srcPath string) error {
	for name, f := range src.Init.Files {
		if _, ok := dst.Init.Files[name]; ok {
			return fmt.Errorf("duplicate init file %q: defined in both main config and %s", name, srcPath)
		}
		if dst.Init.Files == nil {
			dst.Init.Files = make(map[string]FileConfig)
		}
		dst.Init.Files[name] = f
	}
	return nil
}

// LoadWithIncludes loads a config file, expands variables and resolves
// all includes.
func LoadWithIncludes(path string) (*Config, []string, error) {
	cfg, warnings, err := Load(path)
	if err != nil {
		return nil, warnings, err
	}

	// Expand variables before processing includes.
	if err := ExpandVariables(cfg, path); err != nil {
		return nil, warnings, fmt.Errorf("variable expansion failed: %w", err)
	}

	incWarnings, err := ResolveIncludes(cfg, filepath.Dir(path))
	warnings = append(warnings, incWarnings...)
	if err != nil {
		return nil, warnings, err
	}

	// Included files may collide with the main image.
	if errs := validateInit(&cfg.Init, cfg.Kernel.Frames); len(errs) > 0 {
		return nil, warnings, joinErrors("config validation failed", errs)
	}

	return cfg, warnings, nil
}
