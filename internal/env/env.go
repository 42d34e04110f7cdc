package env

import (
	"os"
	"sort"
	"strings"
)

// Var maps variable names to values.
type Var map[string]string

// Env composes the worker environment: the devrun process environment, then
// project-wide variables from config, then the worker's own entries.
type Env struct {
	Var Var // project-wide variables (K->V)
	os  Var // cached base from the OS environment
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromMap returns an Env whose project-wide variables are a copy of m.
func FromMap(m map[string]string) *Env {
	e := New()
	for k, v := range m {
		e.Set(k, v)
	}
	return e
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.os = parse(os.Environ())
}

// Set sets a project-wide variable. Empty keys are ignored.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// WithSet returns a copy of e with k set to v.
func (e *Env) WithSet(k, v string) *Env {
	c := &Env{Var: make(Var, len(e.Var)+1), os: e.os}
	for kk, vv := range e.Var {
		c.Var[kk] = vv
	}
	c.Set(k, v)
	return c
}

// Unset removes a project-wide variable.
func (e *Env) Unset(k string) {
	delete(e.Var, k)
}

// Merge returns the final "K=V" list sorted by key: OS base, then e.Var,
// then perWorker entries. Values are expanded once against the composed map
// ($VAR and ${VAR}); unknown names expand to the empty string.
func (e *Env) Merge(perWorker []string) []string {
	if e.os == nil {
		e.FromOS()
	}
	m := make(Var, len(e.os)+len(e.Var)+len(perWorker))
	for k, v := range e.os {
		m[k] = v
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for k, v := range parse(perWorker) {
		m[k] = v
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+os.Expand(m[k], func(name string) string { return m[name] }))
	}
	return out
}

// parse converts "K=V" entries into a map, skipping entries without '=' or
// with an empty key.
func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}
