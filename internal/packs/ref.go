package packs

import (
	"errors"
	"fmt"
	"strings"
)

// Ref addresses a pack in an OCI registry.
type Ref struct {
	Registry string
	Path     string
	Tag      string
	Digest   string
}

// ParseRef parses "registry/path[:tag][@sha256:...]", with an optional
// oci:// prefix.
func ParseRef(raw string) (*Ref, error) {
	s := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "oci://"))
	if s == "" {
		return nil, errors.New("empty pack reference")
	}

	var dig string
	if at := strings.Index(s, "@"); at >= 0 {
		dig = s[at+1:]
		s = s[:at]
		if !strings.HasPrefix(dig, "sha256:") {
			return nil, fmt.Errorf("reference %q: unsupported digest %q", raw, dig)
		}
	}

	slash := strings.Index(s, "/")
	if slash <= 0 || slash == len(s)-1 {
		return nil, fmt.Errorf("reference %q must be registry/path[:tag]", raw)
	}
	registry := s[:slash]
	rest := s[slash+1:]

	var tag string
	if colon := strings.LastIndex(rest, ":"); colon >= 0 {
		tag = rest[colon+1:]
		rest = rest[:colon]
		if tag == "" {
			return nil, fmt.Errorf("reference %q has an empty tag", raw)
		}
	}
	if rest == "" {
		return nil, fmt.Errorf("reference %q must be registry/path[:tag]", raw)
	}

	return &Ref{Registry: registry, Path: rest, Tag: tag, Digest: dig}, nil
}

// String renders the reference in registry/path[:tag][@digest] form.
func (r *Ref) String() string {
	var b strings.Builder
	b.WriteString(r.Registry)
	b.WriteString("/")
	b.WriteString(r.Path)
	if r.Tag != "" {
		b.WriteString(":")
		b.WriteString(r.Tag)
	}
	if r.Digest != "" {
		b.WriteString("@")
		b.WriteString(r.Digest)
	}
	return b.String()
}
