// Package apps implements the Application Registry: the single source of
// per-tenant policy (routing key, secret, quotas, origin allow-list).
package apps

import (
	"fmt"
	"path"
	"strings"
)

// Application is an immutable per-tenant configuration record. It is built
// once at startup from internal/config and never mutated afterward.
type Application struct {
	ID               string
	Key              string
	Secret           string
	PingInterval     int // seconds
	ActivityTimeout  int // seconds
	AllowedOrigins   []string
	MaxMessageSize   int64 // bytes
	MaxConnections   int   // 0 means unlimited
	Options          map[string]any
}

// OriginAllowed reports whether origin matches one of the app's allowed
// origin patterns. A pattern segment of "*" matches any single label;
// a bare "*" allows everything.
func (a *Application) OriginAllowed(origin string) bool {
	if len(a.AllowedOrigins) == 0 {
		return true
	}
	host := strings.TrimSuffix(origin, "/")
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	host = strings.SplitN(host, "/", 2)[0]
	host = strings.SplitN(host, ":", 2)[0]

	for _, pattern := range a.AllowedOrigins {
		if pattern == "*" {
			return true
		}
		if globMatch(pattern, host) {
			return true
		}
	}
	return false
}

// globMatch matches host against a dot-separated pattern where "*" matches
// exactly one label, mirroring the host-pattern glossary used across
// Pusher-compatible origin allow-lists.
func globMatch(pattern, host string) bool {
	ok, err := path.Match(strings.ReplaceAll(pattern, ".", "/"), strings.ReplaceAll(host, ".", "/"))
	if err != nil {
		return pattern == host
	}
	return ok
}

// UnderQuota reports whether active can accept one more connection.
func (a *Application) UnderQuota(active int) bool {
	if a.MaxConnections <= 0 {
		return true
	}
	return active < a.MaxConnections
}

// UnknownApplication is returned by Registry lookups that find no match.
type UnknownApplication struct {
	Ref string
}

func (e *UnknownApplication) Error() string {
	return fmt.Sprintf("revurb: unknown application %q", e.Ref)
}

// Registry resolves Applications by key (routing identity) or id (control
// plane identity). It is built once at startup and is safe for concurrent
// read access since it is never mutated after construction.
type Registry struct {
	byKey map[string]*Application
	byID  map[string]*Application
	all   []*Application
}

// NewRegistry validates and indexes a list of Applications. Duplicate keys
// or ids are a configuration error and must be fatal at startup (spec §7).
func NewRegistry(list []Application) (*Registry, error) {
	r := &Registry{
		byKey: make(map[string]*Application, len(list)),
		byID:  make(map[string]*Application, len(list)),
		all:   make([]*Application, 0, len(list)),
	}

	for i := range list {
		a := &list[i]
		if a.Key == "" || a.ID == "" || a.Secret == "" {
			return nil, fmt.Errorf("revurb: application entry %d missing id/key/secret", i)
		}
		if _, dup := r.byKey[a.Key]; dup {
			return nil, fmt.Errorf("revurb: duplicate application key %q", a.Key)
		}
		if _, dup := r.byID[a.ID]; dup {
			return nil, fmt.Errorf("revurb: duplicate application id %q", a.ID)
		}
		r.byKey[a.Key] = a
		r.byID[a.ID] = a
		r.all = append(r.all, a)
	}

	return r, nil
}

// All returns every registered Application.
func (r *Registry) All() []*Application {
	return r.all
}

// FindByKey resolves an Application by its routing key.
func (r *Registry) FindByKey(key string) (*Application, error) {
	a, ok := r.byKey[key]
	if !ok {
		return nil, &UnknownApplication{Ref: key}
	}
	return a, nil
}

// FindByID resolves an Application by its control-plane id.
func (r *Registry) FindByID(id string) (*Application, error) {
	a, ok := r.byID[id]
	if !ok {
		return nil, &UnknownApplication{Ref: id}
	}
	return a, nil
}
