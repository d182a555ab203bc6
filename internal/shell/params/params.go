// Package params resolves deployment settings that cannot live in the
// descriptor: registry credentials, image tags, environment overrides.
// Resolution is prompt-or-default; a required setting with no source is a
// configuration error naming the setting.
package params

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/stevedore/stevedore/internal/core/domain"
)

// =============================================================================
// Resolver Interface
// =============================================================================

// Prompt describes one setting to resolve.
type Prompt struct {
	Name        string
	Description string
	Default     string
	Required    bool

	// Secret settings must never be logged or placed on a command line.
	Secret bool
}

// Resolver resolves a single setting.
type Resolver interface {
	Resolve(ctx context.Context, prompt Prompt) (string, error)
}

// ResolveAll resolves every prompt, collecting all missing required
// settings into one error instead of stopping at the first.
func ResolveAll(ctx context.Context, r Resolver, prompts []Prompt) (map[string]string, error) {
	values := make(map[string]string, len(prompts))
	var missing []string

	for _, p := range prompts {
		value, err := r.Resolve(ctx, p)
		if err != nil {
			var msErr *domain.MissingSettingsError
			if errors.As(err, &msErr) {
				missing = append(missing, msErr.Settings...)
				continue
			}
			return nil, err
		}
		values[p.Name] = value
	}

	if len(missing) > 0 {
		return nil, &domain.MissingSettingsError{Settings: missing}
	}
	return values, nil
}

// =============================================================================
// Static Resolver
// =============================================================================

// StaticResolver resolves from a preseeded value map.
type StaticResolver struct {
	values map[string]string
}

// NewStaticResolver creates a resolver over the given values.
func NewStaticResolver(values map[string]string) *StaticResolver {
	if values == nil {
		values = map[string]string{}
	}
	return &StaticResolver{values: values}
}

func (r *StaticResolver) Resolve(ctx context.Context, prompt Prompt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if value, ok := r.values[prompt.Name]; ok && value != "" {
		return value, nil
	}
	return fallback(prompt)
}

// =============================================================================
// Env Resolver
// =============================================================================

// EnvResolver resolves from environment variables, chaining to a fallback
// resolver for settings the environment does not provide.
type EnvResolver struct {
	Prefix   string
	Fallback Resolver
}

// NewEnvResolver creates a resolver reading `<prefix><NAME>` variables.
func NewEnvResolver(prefix string, fallbackResolver Resolver) *EnvResolver {
	return &EnvResolver{Prefix: prefix, Fallback: fallbackResolver}
}

func (r *EnvResolver) Resolve(ctx context.Context, prompt Prompt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if value := os.Getenv(r.Prefix + EnvName(prompt.Name)); value != "" {
		return value, nil
	}
	if r.Fallback != nil {
		return r.Fallback.Resolve(ctx, prompt)
	}
	return fallback(prompt)
}

// EnvName converts a setting name to environment-variable form:
// uppercased, with runs of non-alphanumerics collapsed to underscores.
func EnvName(name string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return b.String()
}

func fallback(prompt Prompt) (string, error) {
	if prompt.Default != "" {
		return prompt.Default, nil
	}
	if prompt.Required {
		return "", &domain.MissingSettingsError{Settings: []string{prompt.Name}}
	}
	return "", nil
}
