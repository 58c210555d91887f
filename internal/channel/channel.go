// Package channel resolves short channel names and partial URLs into
// fully qualified, per-platform package channels, per spec.md §4.1.
package channel

import (
	"net/url"
	"path"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/AlexanderEkdahl/solvent/internal/errtax"
)

// Type classifies how an UnresolvedChannel's Location should be
// interpreted.
type Type int

const (
	// Name is a bare or aliased channel name ("conda-forge", "defaults").
	Name Type = iota
	// URL is a channel base URL, already fully qualified.
	URL
	// PackagePath is a local directory containing a single package.
	PackagePath
	// PackageURL is a single package archive URL, not a channel.
	PackageURL
	// Path is a local directory channel.
	Path
)

// UnresolvedChannel is the user-facing, unparsed form of a channel
// reference: a location plus any requested platform filter.
type UnresolvedChannel struct {
	Location        string
	PlatformFilters []string
	Type            Type
}

// Channel is a fully resolved channel: a stable id, its canonical base
// URL, a credential-free display form, any configured mirrors, and the
// platform subdirs it should be queried for.
type Channel struct {
	ID               string
	CanonicalBaseURL string
	DisplayName      string
	MirrorURLs       []string
	PlatformFilters  []string
}

// archiveExtensions lists package archive suffixes that make an input
// string a PackageURL rather than a channel name or base URL.
var archiveExtensions = []string{".tar.bz2", ".conda"}

func hasArchiveExtension(s string) bool {
	for _, ext := range archiveExtensions {
		if strings.HasSuffix(s, ext) {
			return true
		}
	}
	return false
}

// Params holds the configuration a Resolver needs: everything that, in
// a long-lived mamba-style Context, would hang off ctx.channel_alias /
// ctx.custom_channels / ctx.custom_multichannels. Params is a plain
// value, copied into the Resolver by NewResolver, with no back-pointer
// to the Resolver that holds it.
type Params struct {
	// Alias is the base URL prepended to a bare channel name, e.g.
	// "https://conda.anaconda.org".
	Alias string
	// HostPlatform is the default non-noarch platform filter, e.g.
	// "linux-64".
	HostPlatform string
	// CustomChannels maps a channel name to an explicit override
	// Channel (its URL need not live under Alias).
	CustomChannels map[string]Channel
	// MultiChannels maps a name (e.g. "defaults") to the channel names
	// it expands to, resolved recursively.
	MultiChannels map[string][]string
	// LocalChannelRoot is the directory the "local" multi-channel
	// resolves under (conda-bld); if empty, HomeDir is used instead.
	LocalChannelRoot string
	HomeDir          string
}

// Resolver turns channel names and URLs into resolved Channel values,
// memoizing results in a small LRU cache keyed on the raw input string
// (spec.md Design Notes §9: "a ChannelResolver value that owns the
// resolution parameters and a small LRU cache").
type Resolver struct {
	params Params
	cache  *lru.Cache[string, []Channel]
}

const defaultCacheSize = 256

// NewResolver builds a Resolver over params with a bounded LRU cache.
func NewResolver(params Params) (*Resolver, error) {
	cache, err := lru.New[string, []Channel](defaultCacheSize)
	if err != nil {
		return nil, errtax.NewIo("channel-resolver-cache", err)
	}
	return &Resolver{params: params, cache: cache}, nil
}

// Resolve implements the four resolution rules of spec.md §4.1, in
// order, with memoization.
func (r *Resolver) Resolve(nameOrURL string) ([]Channel, error) {
	if cached, ok := r.cache.Get(nameOrURL); ok {
		return cached, nil
	}
	chans, err := r.resolveUncached(nameOrURL)
	if err != nil {
		return nil, err
	}
	r.cache.Add(nameOrURL, chans)
	return chans, nil
}

func (r *Resolver) resolveUncached(nameOrURL string) ([]Channel, error) {
	input := strings.TrimSpace(nameOrURL)
	if input == "" {
		return nil, errtax.NewParse("channel", nameOrURL, "empty channel reference")
	}

	name, platformSuffix := splitPlatformSuffix(input)

	// Rule 1: archive URL, or any already-fully-qualified URL/file
	// reference — resolving a previously resolved CanonicalBaseURL
	// must be idempotent (spec.md §8), so a string carrying a URL
	// scheme is never re-prepended with Alias.
	if looksLikeURL(name) {
		if hasArchiveExtension(name) {
			return []Channel{packageURLChannel(name)}, nil
		}
		return []Channel{r.literalURLChannel(name, platformSuffix)}, nil
	}

	// Rule: "local" is a special multi-channel resolving under the
	// build root (or HomeDir), not a registered MultiChannels entry.
	if name == "local" {
		return []Channel{r.localChannel(platformSuffix)}, nil
	}

	// Rule 2: configured multi-channel name.
	if members, ok := r.params.MultiChannels[name]; ok {
		var out []Channel
		for _, member := range members {
			sub, err := r.resolveUncached(member)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
		}
		return out, nil
	}

	// Rule 3: configured custom channel override.
	if override, ok := r.params.CustomChannels[name]; ok {
		chan0 := override
		if len(platformSuffix) > 0 {
			chan0.PlatformFilters = platformSuffix
		}
		chan0.CanonicalBaseURL = normalizeTrailingSlash(chan0.CanonicalBaseURL)
		return []Channel{chan0}, nil
	}

	// Rule 4: bare name, prepend alias.
	return []Channel{r.aliasedChannel(name, platformSuffix)}, nil
}

func looksLikeURL(s string) bool {
	return strings.Contains(s, "://")
}

// splitPlatformSuffix extracts a trailing "[plat1,plat2]" filter, per
// spec.md §4.1 ("unless the input contains a [plat,…] suffix").
func splitPlatformSuffix(s string) (rest string, platforms []string) {
	if !strings.HasSuffix(s, "]") {
		return s, nil
	}
	open := strings.LastIndexByte(s, '[')
	if open < 0 {
		return s, nil
	}
	inner := s[open+1 : len(s)-1]
	rest = s[:open]
	for _, p := range strings.Split(inner, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			platforms = append(platforms, p)
		}
	}
	return rest, platforms
}

func packageURLChannel(rawURL string) Channel {
	stem := path.Base(rawURL)
	for _, ext := range archiveExtensions {
		stem = strings.TrimSuffix(stem, ext)
	}
	display, canonical := splitCredentials(rawURL)
	return Channel{
		ID:               stem,
		CanonicalBaseURL: canonical,
		DisplayName:      display,
		PlatformFilters:  nil,
	}
}

func (r *Resolver) literalURLChannel(rawURL string, platforms []string) Channel {
	canonical := normalizeTrailingSlash(rawURL)
	display, canonical := splitCredentials(canonical)
	return Channel{
		ID:               channelIDFromURL(canonical),
		CanonicalBaseURL: canonical,
		DisplayName:      display,
		PlatformFilters:  r.defaultPlatforms(platforms),
	}
}

func (r *Resolver) aliasedChannel(name string, platforms []string) Channel {
	alias := normalizeTrailingSlash(r.params.Alias)
	canonical := alias + "/" + strings.TrimPrefix(name, "/")
	display, canonical := splitCredentials(canonical)
	return Channel{
		ID:               name,
		CanonicalBaseURL: canonical,
		DisplayName:      display,
		PlatformFilters:  r.defaultPlatforms(platforms),
	}
}

func (r *Resolver) localChannel(platforms []string) Channel {
	root := r.params.LocalChannelRoot
	if root == "" {
		root = r.params.HomeDir
	}
	base := "file://" + path.Join(root, "conda-bld")
	return Channel{
		ID:               "local",
		CanonicalBaseURL: normalizeTrailingSlash(base),
		DisplayName:      "local",
		PlatformFilters:  r.defaultPlatforms(platforms),
	}
}

func (r *Resolver) defaultPlatforms(requested []string) []string {
	if len(requested) > 0 {
		return requested
	}
	host := r.params.HostPlatform
	if host == "" {
		return []string{"noarch"}
	}
	return []string{host, "noarch"}
}

func normalizeTrailingSlash(s string) string {
	return strings.TrimRight(s, "/")
}

func channelIDFromURL(canonical string) string {
	return strings.Trim(path.Base(canonical), "/")
}

// splitCredentials strips userinfo from the display form while
// preserving it in the URL proper (spec.md §4.1: "Credentials are
// stripped from display_name but preserved in url").
func splitCredentials(rawURL string) (display, preserved string) {
	u, err := url.Parse(rawURL)
	if err != nil || u.User == nil {
		return rawURL, rawURL
	}
	stripped := *u
	stripped.User = nil
	return stripped.String(), rawURL
}
