// Package smythfs implements SmythFS (spec §4.5): a virtual filesystem
// layered over the Storage Connector, addressed by
// "smythfs://<owner>.<role>/<path>" URIs, with temp-URL and resource-URL
// issuance on top.
//
// Grounded on the teacher's internal/server package: native-proxy.go's
// http.Handler + PathValue wildcard routing style, and server.go's use of
// github.com/rakunlabs/ada for route registration.
package smythfs

import (
	"fmt"
	"strings"

	"github.com/rakunlabs/at/internal/identity"
)

const scheme = "smythfs://"

// URI is a parsed "smythfs://<owner>.<role>/<path>" reference.
type URI struct {
	Owner identity.AccessCandidate
	Path  string
}

// Parse validates and decomposes a SmythFS URI.
func Parse(raw string) (URI, error) {
	if !strings.HasPrefix(raw, scheme) {
		return URI{}, fmt.Errorf("smythfs: uri %q missing %q scheme", raw, scheme)
	}
	rest := raw[len(scheme):]

	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return URI{}, fmt.Errorf("smythfs: uri %q missing path after authority", raw)
	}
	authority, path := rest[:slash], rest[slash+1:]

	dot := strings.LastIndexByte(authority, '.')
	if dot < 0 {
		return URI{}, fmt.Errorf("smythfs: uri %q missing role suffix in authority %q", raw, authority)
	}
	ownerID, roleStr := authority[:dot], authority[dot+1:]
	if ownerID == "" || path == "" {
		return URI{}, fmt.Errorf("smythfs: uri %q has an empty owner or path component", raw)
	}

	var role identity.Role
	switch roleStr {
	case "user":
		role = identity.RoleUser
	case "team":
		role = identity.RoleTeam
	case "agent":
		role = identity.RoleAgent
	default:
		return URI{}, fmt.Errorf("smythfs: uri %q has unknown role %q", raw, roleStr)
	}

	return URI{Owner: identity.AccessCandidate{Role: role, ID: ownerID}, Path: path}, nil
}

// String renders the URI back to its canonical "smythfs://" form.
func (u URI) String() string {
	return fmt.Sprintf("%s%s.%s/%s", scheme, u.Owner.ID, strings.ToLower(u.Owner.Role.String()), u.Path)
}

// storagePath is the Storage Connector resource id this URI maps to:
// owner-scoped so two owners never collide on the same relative path.
func (u URI) storagePath() string {
	return strings.ToLower(u.Owner.Role.String()) + "/" + u.Owner.ID + "/" + u.Path
}
