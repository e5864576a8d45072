// Package env composes the environment handed to the backend child.
package env

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/subosito/gotenv"
)

// Var maps variable names to values.
type Var map[string]string

// Parse reads "K=V" entries. Entries without '=' or with an empty key are
// skipped; a later duplicate wins.
func Parse(kvs []string) Var {
	v := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			v[kv[:i]] = kv[i+1:]
		}
	}
	return v
}

// LoadFile parses a dotenv file. Blank lines and # comments are skipped.
func LoadFile(path string) (Var, error) {
	m, err := gotenv.Read(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("env file %s: %w", path, err)
	}
	return Var(m), nil
}

// Merge returns a copy of v with every entry of over applied on top.
func (v Var) Merge(over Var) Var {
	out := make(Var, len(v)+len(over))
	for k, val := range v {
		out[k] = val
	}
	for k, val := range over {
		if k == "" {
			continue
		}
		out[k] = val
	}
	return out
}

// Expand replaces ${NAME} references in every value. Names resolve against v
// first, then lookup (which may be nil). Expansion is single pass so cyclic
// references terminate; unresolved references are left as written.
func (v Var) Expand(lookup func(string) (string, bool)) Var {
	out := make(Var, len(v))
	for k, val := range v {
		out[k] = expand(val, v, lookup)
	}
	return out
}

func expand(s string, m Var, lookup func(string) (string, bool)) string {
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if val, ok := m[name]; ok && name != "" {
			b.WriteString(val)
		} else if lookup != nil && name != "" {
			if val, ok := lookup(name); ok {
				b.WriteString(val)
			} else {
				b.WriteString(s[i : i+3+j])
			}
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}

// List renders v as sorted "K=V" entries for exec.Cmd.Env.
func (v Var) List() []string {
	out := make([]string, 0, len(v))
	for k, val := range v {
		out = append(out, k+"="+val)
	}
	sort.Strings(out)
	return out
}
