// Package auth implements the credential store and URL credential
// handling of spec.md §4.1/C5: per-host or per-channel-prefix
// credentials looked up by longest matching URL prefix, plus helpers
// to inject or strip those credentials from a request URL.
package auth

import (
	"net/url"
	"strings"
)

// Credential is one of BearerToken, BasicAuth, or CondaToken.
type Credential interface {
	isCredential()
}

// BearerToken is sent as an "Authorization: Bearer <token>" header.
type BearerToken struct {
	Token string
}

// BasicAuth is injected into the URL's userinfo component.
type BasicAuth struct {
	User     string
	Password string
}

// CondaToken is a legacy anaconda.org-style token, injected as a
// "/t/<token>" path segment immediately after the host.
type CondaToken struct {
	Token string
}

func (BearerToken) isCredential() {}
func (BasicAuth) isCredential()   {}
func (CondaToken) isCredential()  {}

// Store maps a URL prefix (scheme://host[/path…], with or without a
// trailing slash) to the Credential that applies to it and anything
// nested under it.
type Store struct {
	entries map[string]Credential
}

// NewStore builds an empty credential store.
func NewStore() *Store {
	return &Store{entries: make(map[string]Credential)}
}

// Set registers cred for exactly the given key.
func (s *Store) Set(key string, cred Credential) {
	s.entries[key] = cred
}

// Lookup returns the credential registered for key exactly, with no
// parent-prefix fallback.
func (s *Store) Lookup(key string) (Credential, bool) {
	cred, ok := s.entries[key]
	return cred, ok
}

// FindCompatible looks up the credential for key, falling back to
// successively shorter parent prefixes of key when no exact entry
// exists: "mamba.org/channel/" then "mamba.org/channel" then
// "mamba.org/" then "mamba.org", grounded on
// AuthenticationDataBase::find_compatible.
func (s *Store) FindCompatible(key string) (Credential, bool) {
	candidate := key
	if !strings.HasSuffix(candidate, "/") {
		candidate += "/"
	}
	for {
		if cred, ok := s.entries[candidate]; ok {
			return cred, true
		}
		if candidate == "" {
			return nil, false
		}
		pos := strings.LastIndexByte(candidate, '/')
		if pos < 0 {
			return nil, false
		}
		if pos+1 == len(candidate) {
			// Try again without the trailing '/'.
			candidate = candidate[:pos]
		} else {
			// Try again without the final path element.
			candidate = candidate[:pos+1]
		}
	}
}

// Apply returns a copy of rawURL with cred injected the way an HTTP
// client needs it on the wire: BasicAuth into userinfo, CondaToken as
// a "/t/<token>" path prefix. BearerToken cannot be expressed in a URL
// and is left for the caller to add as a request header (see
// HeaderFor).
func Apply(rawURL string, cred Credential) (string, error) {
	switch c := cred.(type) {
	case BasicAuth:
		u, err := url.Parse(rawURL)
		if err != nil {
			return "", err
		}
		u.User = url.UserPassword(c.User, c.Password)
		return u.String(), nil
	case CondaToken:
		u, err := url.Parse(rawURL)
		if err != nil {
			return "", err
		}
		u.Path = "/t/" + c.Token + u.Path
		return u.String(), nil
	default:
		return rawURL, nil
	}
}

// HeaderFor returns the HTTP header name/value pair a caller should
// set for cred, if any ("", "" when the credential is carried in the
// URL instead).
func HeaderFor(cred Credential) (name, value string) {
	if b, ok := cred.(BearerToken); ok {
		return "Authorization", "Bearer " + b.Token
	}
	return "", ""
}

// StripCredentials removes userinfo and a leading "/t/<token>" segment
// from rawURL, returning the form safe to print or log. It mirrors
// channel.splitCredentials's userinfo handling plus the conda-token
// path convention, kept here since C5 owns token semantics.
func StripCredentials(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.User = nil
	if rest, ok := stripTokenPrefix(u.Path); ok {
		u.Path = rest
	}
	return u.String()
}

func stripTokenPrefix(path string) (string, bool) {
	const marker = "/t/"
	if !strings.HasPrefix(path, marker) {
		return path, false
	}
	rest := path[len(marker):]
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		return rest[idx:], true
	}
	return "", true
}
