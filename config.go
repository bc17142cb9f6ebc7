package offline

import (
	"net/url"
	"strings"
)

const (
	// DefaultOfflineURL is the document served to navigations when offline.
	DefaultOfflineURL = "/"
	// DefaultSyncTag is the background sync tag that triggers a broadcast.
	DefaultSyncTag = "sync-data"
	// DefaultSkipWaitingMessage is the client message that forces activation.
	DefaultSkipWaitingMessage = "SKIP_WAITING"
	// SyncCompleteMessage is the message type broadcast after a sync.
	SyncCompleteMessage = "SYNC_COMPLETE"
)

// Generation names one cache snapshot, e.g. "hustle-year-v10".
type Generation string

func (g Generation) String() string { return string(g) }

// Config is the fixed, per-deployment configuration of a Worker.
// It is copied into the Worker and never changes afterwards.
type Config struct {
	Name    string // e.g., "hustle-year"
	Version string // e.g., "v10"

	// Scope is the absolute http(s) URL relative precache and offline URLs resolve against.
	Scope string

	// Precache lists the URLs fetched and stored during install, in order.
	Precache []string

	OfflineURL         string // Optional: defaults to DefaultOfflineURL
	SyncTag            string // Optional: defaults to DefaultSyncTag
	SkipWaitingMessage string // Optional: defaults to DefaultSkipWaitingMessage

	// DisableAutoSkipWaiting keeps a successfully installed worker waiting
	// until it receives SkipWaitingMessage or its predecessor loses all clients.
	DisableAutoSkipWaiting bool
}

// Generation returns the cache generation this configuration names.
func (c Config) Generation() Generation {
	return Generation(c.Name + "-" + c.Version)
}

func (c Config) withDefaults() Config {
	if c.OfflineURL == "" {
		c.OfflineURL = DefaultOfflineURL
	}
	if c.SyncTag == "" {
		c.SyncTag = DefaultSyncTag
	}
	if c.SkipWaitingMessage == "" {
		c.SkipWaitingMessage = DefaultSkipWaitingMessage
	}
	c.Precache = append([]string(nil), c.Precache...)
	return c
}

func (c Config) validate() (*url.URL, error) {
	if strings.TrimSpace(c.Name) == "" {
		return nil, &ErrInvalidConfig{Field: "Name", Reason: "is required"}
	}
	if strings.TrimSpace(c.Version) == "" {
		return nil, &ErrInvalidConfig{Field: "Version", Reason: "is required"}
	}
	scope, err := url.Parse(c.Scope)
	if err != nil {
		return nil, &ErrInvalidConfig{Field: "Scope", Reason: err.Error()}
	}
	if !isNetworkScheme(scope.Scheme) || scope.Host == "" {
		return nil, &ErrInvalidConfig{Field: "Scope", Reason: "must be an absolute http or https URL"}
	}
	return scope, nil
}

// resolve makes ref absolute against scope and drops any fragment.
func resolve(scope *url.URL, ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	abs := scope.ResolveReference(u)
	abs.Fragment = ""
	abs.RawFragment = ""
	return abs.String(), nil
}

func isNetworkScheme(scheme string) bool {
	return scheme == "http" || scheme == "https"
}
