package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExpandContext holds variables available for expansion.
type ExpandContext struct {
	Here string // directory of the config file
	Name string // name of the enclosing table entry, if any
}

// ExpandVariables expands template variables and environment references
// in the path-valued fields of a config, given the config file path.
func ExpandVariables(cfg *Config, configPath string) error {
	ctx := ExpandContext{
		Here: filepath.Dir(configPath),
	}

	var err error
	cfg.Kernel.Logfile, err = expandString(cfg.Kernel.Logfile, ctx)
	if err != nil {
		return fmt.Errorf("kernel.logfile: %w", err)
	}
	cfg.Kernel.Pidfile, err = expandString(cfg.Kernel.Pidfile, ctx)
	if err != nil {
		return fmt.Errorf("kernel.pidfile: %w", err)
	}
	cfg.Server.Unix.File, err = expandString(cfg.Server.Unix.File, ctx)
	if err != nil {
		return fmt.Errorf("server.unix.file: %w", err)
	}
	cfg.Server.Web.StaticDir, err = expandString(cfg.Server.Web.StaticDir, ctx)
	if err != nil {
		return fmt.Errorf("server.web.static_dir: %w", err)
	}

	for name, f := range cfg.Init.Files {
		fCtx := ctx
		fCtx.Name = name
		f.Path, err = expandString(f.Path, fCtx)
		if err != nil {
			return fmt.Errorf("init.files.%s.path: %w", name, err)
		}
		cfg.Init.Files[name] = f
	}

	for i, inc := range cfg.Include {
		cfg.Include[i], err = expandString(inc, ctx)
		if err != nil {
			return fmt.Errorf("include[%d]: %w", i, err)
		}
	}

	return nil
}

// expandString expands all template variables and env references in a single string.
func expandString(s string, ctx ExpandContext) (string, error) {
	if s == "" {
		return s, nil
	}

	// Phase 1: Expand %(variable)s patterns.
	result, err := expandTemplateVars(s, ctx)
	if err != nil {
		return "", err
	}

	// Phase 2: Expand ${ENV_VAR} references.
	result, err = expandEnvVars(result)
	if err != nil {
		return "", err
	}

	// Phase 3: Unescape %% -> % and $$ -> $.
	result = strings.ReplaceAll(result, "%%", "%")
	result = strings.ReplaceAll(result, "$$", "$")

	return result, nil
}

func expandTemplateVars(s string, ctx ExpandContext) (string, error) {
	var result strings.Builder
	i := 0
	for i < len(s) {
		if i+1 < len(s) && s[i] == '%' && s[i+1] == '%' {
			// Escaped percent, preserve for later unescaping.
			result.WriteString("%%")
			i += 2
			continue
		}

		if i+1 < len(s) && s[i] == '%' && s[i+1] == '(' {
			end := strings.Index(s[i:], ")s")
			if end < 0 {
				return "", fmt.Errorf("unclosed template variable at position %d in %q", i, s)
			}
			val, err := resolveTemplateVar(s[i+2:i+end], ctx)
			if err != nil {
				return "", err
			}
			result.WriteString(val)
			i += end + 2
			continue
		}

		result.WriteByte(s[i])
		i++
	}

	return result.String(), nil
}

func resolveTemplateVar(name string, ctx ExpandContext) (string, error) {
	switch name {
	case "here":
		return ctx.Here, nil
	case "name":
		return ctx.Name, nil
	default:
		return "", fmt.Errorf("unknown template variable: %%(%s)s", name)
	}
}

func expandEnvVars(s string) (string, error) {
	var result strings.Builder
	i := 0
	for i < len(s) {
		if i+1 < len(s) && s[i] == '$' && s[i+1] == '$' {
			// Escaped dollar, preserve for later unescaping.
			result.WriteString("$$")
			i += 2
			continue
		}

		if i+1 < len(s) && s[i] == '$' && s[i+1] == '{' {
			end := strings.Index(s[i:], "}")
			if end < 0 {
				return "", fmt.Errorf("unclosed environment variable reference at position %d in %q", i, s)
			}

			varName := s[i+2 : i+end]
			val, ok := os.LookupEnv(varName)
			if !ok {
				return "", fmt.Errorf("undefined environment variable: ${%s}", varName)
			}
			result.WriteString(val)
			i += end + 1
			continue
		}

		result.WriteByte(s[i])
		i++
	}

	return result.String(), nil
}

// ExpandString is exported for use by other packages needing single-value expansion.
func ExpandString(s string, ctx ExpandContext) (string, error) {
	return expandString(s, ctx)
}
