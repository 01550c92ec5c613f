package guard

import (
	"fmt"
	"net/netip"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Extras are operator-supplied denylist extensions, merged into the static
// rules before the pipeline runs.
type Extras struct {
	Names    []string `yaml:"blocked_names"`
	Suffixes []string `yaml:"blocked_suffixes"`
	CIDRs    []string `yaml:"blocked_cidrs"`

	prefixes []netip.Prefix
}

// LoadExtras reads a YAML extension file. An empty path yields empty extras.
func LoadExtras(path string) (Extras, error) {
	var e Extras
	if path == "" {
		return e, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return e, fmt.Errorf("read guard extras: %w", err)
	}
	if err := yaml.Unmarshal(data, &e); err != nil {
		return e, fmt.Errorf("parse guard extras: %w", err)
	}
	for i, n := range e.Names {
		e.Names[i] = strings.ToLower(strings.TrimSpace(n))
	}
	for i, s := range e.Suffixes {
		e.Suffixes[i] = strings.ToLower(strings.TrimSpace(s))
	}
	for _, c := range e.CIDRs {
		p, err := netip.ParsePrefix(strings.TrimSpace(c))
		if err != nil {
			return e, fmt.Errorf("parse guard extras CIDR %q: %w", c, err)
		}
		e.prefixes = append(e.prefixes, p)
	}
	return e, nil
}

func (e Extras) blocksName(h string) bool {
	for _, n := range e.Names {
		if h == n {
			return true
		}
	}
	for _, s := range e.Suffixes {
		if strings.HasSuffix(h, s) {
			return true
		}
	}
	return false
}

func (e Extras) blocksAddr(a netip.Addr) bool {
	for _, p := range e.prefixes {
		if p.Contains(a) {
			return true
		}
	}
	return false
}
