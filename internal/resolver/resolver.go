// Package resolver implements the default host resolver: a directory of
// per-host symlinks pointing at application roots, the classic layout used
// by local reverse proxies for developer machines.
package resolver

import (
	"fmt"
	"os"
	"path/filepath"
)

// ResolverError wraps a failure to resolve a host to an application root,
// distinguishing it from an absent mapping (which is not an error; see
// Resolve).
type ResolverError struct {
	Host string
	Err  error
}

func (e *ResolverError) Error() string {
	return fmt.Sprintf("resolving host %q: %v", e.Host, e.Err)
}

func (e *ResolverError) Unwrap() error { return e.Err }

// Resolver maps a host prefix to an application root by following a
// symlink named after the host prefix (the host without its domain suffix)
// inside ConfigRoot, e.g.
// ConfigRoot/foo -> /home/user/code/foo for host "foo.<domain>".
type Resolver struct {
	ConfigRoot string
}

// New returns a Resolver rooted at configRoot, the directory conventionally
// populated by `pow link`-style tooling (out of scope here; see §6).
func New(configRoot string) *Resolver {
	return &Resolver{ConfigRoot: configRoot}
}

// Resolve returns the application root associated with hostPrefix (the host
// with its domain suffix and any port already stripped by the caller). A
// host with no matching symlink returns ("", nil): this is the "no
// application configured" case, not an error. A present entry that cannot
// be followed (broken symlink, permission error) is a ResolverError.
func (r *Resolver) Resolve(hostPrefix string) (string, error) {
	link := filepath.Join(r.ConfigRoot, hostPrefix)

	if _, err := os.Lstat(link); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", &ResolverError{Host: hostPrefix, Err: err}
	}

	target, err := filepath.EvalSymlinks(link)
	if err != nil {
		return "", &ResolverError{Host: hostPrefix, Err: err}
	}

	info, err := os.Stat(target)
	if err != nil {
		return "", &ResolverError{Host: hostPrefix, Err: err}
	}
	if !info.IsDir() {
		return "", &ResolverError{Host: hostPrefix, Err: fmt.Errorf("%s is not a directory", target)}
	}

	return target, nil
}

// SuggestedLinkPath returns the path a user would symlink into ConfigRoot
// to serve hostPrefix, used to populate the body of the "domain not
// configured" error page.
func (r *Resolver) SuggestedLinkPath(hostPrefix string) string {
	return filepath.Join(r.ConfigRoot, hostPrefix)
}
