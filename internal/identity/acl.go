package identity

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// HashAlgorithm tags how principal ids were hashed before storage, so a
// serialized ACL can be read back even if the default algorithm changes.
type HashAlgorithm string

const HashXXH3 HashAlgorithm = "xxh3"

// ACL is a per-resource grant table: role -> hashed-id -> set of levels.
// An empty ACL denies every request (spec §3, invariant ii). The presence
// of any explicit Owner grant marks the resource as created (invariant iii).
type ACL struct {
	Hash   HashAlgorithm
	grants map[Role]map[string]Level
}

// New returns an empty ACL using the default hash algorithm.
func New() *ACL {
	return &ACL{Hash: HashXXH3, grants: map[Role]map[string]Level{}}
}

func hashID(id string) string {
	return strconv.FormatUint(xxhash.Sum64String(id), 36)
}

// Grant adds level (and, for Owner, the implied Read|Write) to role:id.
func (a *ACL) Grant(role Role, id string, level Level) {
	if a.grants == nil {
		a.grants = map[Role]map[string]Level{}
	}
	if a.Hash == "" {
		a.Hash = HashXXH3
	}
	if level.Has(LevelOwner) {
		level |= LevelRead | LevelWrite
	}

	byID := a.grants[role]
	if byID == nil {
		byID = map[string]Level{}
		a.grants[role] = byID
	}
	key := hashID(id)
	byID[key] |= level
}

// Owners reports whether the ACL has any explicit Owner grant, i.e.
// whether the resource it describes has been created.
func (a *ACL) Owners() bool {
	for _, byID := range a.grants {
		for _, level := range byID {
			if level.Has(LevelOwner) {
				return true
			}
		}
	}
	return false
}

// Check reports whether request's candidate is granted at least
// request.Level on this ACL.
func (a *ACL) Check(request AccessRequest) bool {
	if a == nil {
		return false
	}
	byID := a.grants[request.Candidate.Role]
	if byID == nil {
		return false
	}
	level, ok := byID[hashID(request.Candidate.ID)]
	if !ok {
		return false
	}
	return level.Has(request.Level)
}

// serializedACL is the stable, round-trippable wire form of an ACL.
type serializedACL struct {
	Hash   HashAlgorithm          `json:"hash"`
	Grants map[string]map[string]int `json:"grants"` // "role" -> hashed-id -> level bitmask
}

// Serialize produces the stable round-trip form of the ACL. Ids are
// already stored hashed, so this never reveals original ids.
func (a *ACL) Serialize() (hash HashAlgorithm, grants map[string]map[string]int) {
	out := make(map[string]map[string]int, len(a.grants))
	for role, byID := range a.grants {
		m := make(map[string]int, len(byID))
		for id, level := range byID {
			m[id] = int(level)
		}
		out[role.String()] = m
	}
	return a.Hash, out
}

// From reconstructs an ACL from its serialized form.
func From(hash HashAlgorithm, grants map[string]map[string]int) (*ACL, error) {
	a := &ACL{Hash: hash, grants: map[Role]map[string]Level{}}
	for roleStr, byID := range grants {
		role, err := parseRole(roleStr)
		if err != nil {
			return nil, err
		}
		m := make(map[string]Level, len(byID))
		for id, level := range byID {
			m[id] = Level(level)
		}
		a.grants[role] = m
	}
	return a, nil
}

func parseRole(s string) (Role, error) {
	switch s {
	case "user":
		return RoleUser, nil
	case "team":
		return RoleTeam, nil
	case "agent":
		return RoleAgent, nil
	default:
		return 0, fmt.Errorf("identity: unknown role %q", s)
	}
}

// Describe renders a deterministic, human-readable summary of the grants,
// useful for logging; it never includes plaintext ids (they are already
// hashed on Grant).
func (a *ACL) Describe() string {
	var parts []string
	for role, byID := range a.grants {
		ids := make([]string, 0, len(byID))
		for id := range byID {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			parts = append(parts, fmt.Sprintf("%s:%s=%s", role, id, a.grants[role][id]))
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// OwnerACL returns an ACL granting Owner to candidate — the shape
// getResourceACL must return for not-yet-existing resources so creation is
// permitted (spec §4.3).
func OwnerACL(candidate AccessCandidate) *ACL {
	a := New()
	a.Grant(candidate.Role, candidate.ID, LevelOwner)
	return a
}
