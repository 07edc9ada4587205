package config

import (
	"fmt"
	"strings"

	"go.yaml.in/yaml/v3"
)

// ruleSubtrees are the config paths whose values stay whole when
// flattening: a rate-limit rule reads better as one object than as three
// dotted ceilings.
var ruleSubtrees = []string{
	"rateLimit.global",
	"rateLimit.defaultUser",
	"rateLimit.apis",
}

const redacted = "[redacted]"

// View returns the running configuration as a flattened map for the
// admin API. Secrets are redacted and credential seeds omitted entirely.
func (c *Config) View() (map[string]any, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("remarshal config: %w", err)
	}

	delete(m, "credentials") // seed list carries plaintext tokens

	if admin, ok := m["admin"].(map[string]any); ok {
		if c.Admin.PasswordHash != "" {
			admin["passwordHash"] = redacted
		}
		if c.Admin.JWTSecret != "" {
			admin["jwtSecret"] = redacted
		}
	}

	return Flatten(m, ruleSubtrees...), nil
}

// Flatten converts nested into a single-level map with dot-separated
// keys. Paths listed in terminals are kept whole as values instead of
// being descended into; non-map values (scalars, sequences) are always
// kept whole.
func Flatten(nested map[string]any, terminals ...string) map[string]any {
	term := make(map[string]bool, len(terminals))
	for _, t := range terminals {
		term[t] = true
	}
	out := make(map[string]any)
	flattenInto(out, "", nested, term)
	return out
}

func flattenInto(out map[string]any, prefix string, m map[string]any, term map[string]bool) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, isMap := v.(map[string]any); isMap && !term[key] {
			flattenInto(out, key, sub, term)
			continue
		}
		out[key] = v
	}
}

// Nest is the inverse of Flatten: dot-separated keys become nested maps.
// It fails when a key addresses both a scalar and a subtree.
func Nest(flat map[string]any) (map[string]any, error) {
	out := make(map[string]any)
	for key, v := range flat {
		parts := strings.Split(key, ".")
		m := out
		for _, p := range parts[:len(parts)-1] {
			child, ok := m[p]
			if !ok {
				next := make(map[string]any)
				m[p] = next
				m = next
				continue
			}
			next, ok := child.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("key %q conflicts with scalar at %q", key, p)
			}
			m = next
		}
		leaf := parts[len(parts)-1]
		if _, exists := m[leaf]; exists {
			return nil, fmt.Errorf("key %q conflicts with existing subtree", key)
		}
		m[leaf] = v
	}
	return out, nil
}
