// Package urlutil builds provider endpoint URLs and checks redirect targets.
package urlutil

import (
	"net/url"
	"path"
	"strings"
)

// JoinPath appends path segments to base, keeping its scheme, host and
// query. A trailing slash on the last segment is preserved.
func JoinPath(base string, paths ...string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}

	u.Path = path.Join(append([]string{u.Path}, paths...)...)
	if len(paths) > 0 && strings.HasSuffix(paths[len(paths)-1], "/") {
		u.Path += "/"
	}
	return u.String(), nil
}

// IsLocalPath reports whether target is a path on this origin. Absolute
// URLs, scheme-relative "//host" forms and backslash tricks are rejected,
// so a post-login redirect can never leave the site.
func IsLocalPath(target string) bool {
	if !strings.HasPrefix(target, "/") {
		return false
	}
	if strings.HasPrefix(target, "//") || strings.HasPrefix(target, "/\\") {
		return false
	}
	if strings.ContainsAny(target, "\r\n") {
		return false
	}
	u, err := url.Parse(target)
	return err == nil && u.Scheme == "" && u.Host == ""
}
