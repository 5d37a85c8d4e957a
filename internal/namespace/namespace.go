// Package namespace stores tenant namespace metadata and enforces the
// configured naming and creation policy.
package namespace

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rzbill/colla/internal/apierr"
	cfgpkg "github.com/rzbill/colla/internal/config"
	pebblestore "github.com/rzbill/colla/internal/storage/pebble"
)

// Meta holds namespace metadata and limits.
type Meta struct {
	Name                 string `json:"name"`
	CreatedAtMs          int64  `json:"createdAtMs"`
	PayloadMaxBytes      int    `json:"payloadMaxBytes"`
	PresenceHistory      int    `json:"presenceHistory"`
	ServerStateMaxAgeSec int    `json:"serverStateMaxAgeSec"`
}

var (
	ErrInvalidName = errors.New("namespace: invalid name")
	ErrNotAllowed  = errors.New("namespace: not allowed")
	ErrNotFound    = errors.New("namespace: not found")
	ErrLimit       = errors.New("namespace: limit reached")
)

var nsMetaPrefix = []byte("nsmeta/")

func nsMetaKey(ns string) []byte {
	k := make([]byte, 0, len(nsMetaPrefix)+len(ns))
	k = append(k, nsMetaPrefix...)
	return append(k, ns...)
}

// Policy applies a Config's namespace rules.
type Policy struct {
	re  *regexp.Regexp
	cfg cfgpkg.Config
}

// NewPolicy compiles the name regex of cfg, anchored to the whole name.
func NewPolicy(cfg cfgpkg.Config) (*Policy, error) {
	re, err := regexp.Compile("^(?:" + cfg.NamespaceNameRegex + ")$")
	if err != nil {
		return nil, fmt.Errorf("namespace: bad name regex: %w", err)
	}
	return &Policy{re: re, cfg: cfg}, nil
}

// Check validates name against the regex and allow list. Names may never
// contain the separators used by log keys and subjects.
func (p *Policy) Check(name string) error {
	if !p.re.MatchString(name) || strings.ContainsAny(name, "/.\x00") || strings.Contains(name, "__") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if len(p.cfg.AllowedNamespaces) > 0 {
		for _, a := range p.cfg.AllowedNamespaces {
			if a == name {
				return nil
			}
		}
		return fmt.Errorf("%w: %q", ErrNotAllowed, name)
	}
	return nil
}

// Resolve returns the metadata of name, creating it when the policy allows
// auto-creation.
func (p *Policy) Resolve(db *pebblestore.DB, name string) (Meta, error) {
	if name == "" {
		name = p.cfg.DefaultNamespaceName
	}
	if err := p.Check(name); err != nil {
		return Meta{}, err
	}
	m, err := Get(db, name)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Meta{}, err
	}
	if !p.cfg.AllowAutoCreateNamespaces && name != p.cfg.DefaultNamespaceName {
		return Meta{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return p.Create(db, name)
}

// Create returns the metadata of name, creating it if absent regardless of
// the auto-create setting. The namespace limit still applies.
func (p *Policy) Create(db *pebblestore.DB, name string) (Meta, error) {
	if err := p.Check(name); err != nil {
		return Meta{}, err
	}
	if m, err := Get(db, name); err == nil {
		return m, nil
	}
	if p.cfg.MaxNamespaces > 0 {
		all, err := List(db)
		if err != nil {
			return Meta{}, err
		}
		if len(all) >= p.cfg.MaxNamespaces {
			return Meta{}, ErrLimit
		}
	}
	return EnsureNamespace(db, name, p.cfg.NamespaceDefaults)
}

// Get loads namespace metadata.
func Get(db *pebblestore.DB, name string) (Meta, error) {
	b, err := db.Get(nsMetaKey(name))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return Meta{}, ErrNotFound
	}
	if err != nil {
		return Meta{}, err
	}
	var m Meta
	if err := json.Unmarshal(b, &m); err != nil {
		return Meta{}, fmt.Errorf("namespace: decode %q: %w", name, err)
	}
	return m, nil
}

// List returns every namespace in name order.
func List(db *pebblestore.DB) ([]Meta, error) {
	var out []Meta
	var decodeErr error
	err := db.ScanPrefix(nsMetaPrefix, func(_, v []byte) bool {
		var m Meta
		if decodeErr = json.Unmarshal(v, &m); decodeErr != nil {
			return false
		}
		out = append(out, m)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, decodeErr
}

// EnsureNamespace creates a namespace meta record if absent, returning the
// effective meta. Idempotent: returns existing if already present.
func EnsureNamespace(db *pebblestore.DB, name string, defaults cfgpkg.NamespaceDefaults) (Meta, error) {
	if m, err := Get(db, name); err == nil {
		return m, nil
	}
	m := Meta{
		Name:                 name,
		CreatedAtMs:          time.Now().UnixMilli(),
		PayloadMaxBytes:      defaults.PayloadMaxBytes,
		PresenceHistory:      defaults.PresenceHistory,
		ServerStateMaxAgeSec: defaults.ServerStateMaxAgeSec,
	}
	b, err := json.Marshal(m)
	if err != nil {
		return Meta{}, err
	}
	if err := db.Set(nsMetaKey(name), b); err != nil {
		return Meta{}, err
	}
	return m, nil
}

// Coded maps a resolution error onto the client error taxonomy.
func Coded(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInvalidName):
		return apierr.Wrap(apierr.BadRequest, err, "invalid namespace")
	case errors.Is(err, ErrNotAllowed):
		return apierr.Wrap(apierr.Forbidden, err, "namespace not allowed")
	case errors.Is(err, ErrNotFound):
		return apierr.Wrap(apierr.NotFound, err, "namespace not found")
	case errors.Is(err, ErrLimit):
		return apierr.Wrap(apierr.PreconditionFailed, err, "namespace limit reached")
	default:
		return apierr.Wrap(apierr.Internal, err, "resolve namespace")
	}
}
