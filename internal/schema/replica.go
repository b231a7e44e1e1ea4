package schema

import "strings"

// Replica roles of a backend.
const (
	RoleNone     = "none"
	RoleConsumer = "consumer"
	RoleHub      = "hub"
	RoleSupplier = "supplier"
)

// Directory attributes that encode a replica role.
const (
	AttrReplicaType  = "nsDS5ReplicaType"
	AttrReplicaFlags = "nsDS5Flags"
)

// replicaRole is the directory encoding of one role. Rank orders roles
// from standalone to supplier; a move to a lower rank is a demotion.
type replicaRole struct {
	name  string
	typ   string
	flags string
	rank  int
}

var replicaRoleTable = []replicaRole{
	{RoleNone, "0", "0", 0},
	{RoleConsumer, "2", "0", 1},
	{RoleHub, "2", "1", 2},
	{RoleSupplier, "3", "1", 3},
}

func findRole(name string) (replicaRole, bool) {
	for _, r := range replicaRoleTable {
		if strings.EqualFold(r.name, name) {
			return r, true
		}
	}

	return replicaRole{}, false
}

// ReplicaAttrs returns the replica type and flags stored for role.
func ReplicaAttrs(role string) (typ, flags string, ok bool) {
	r, ok := findRole(role)

	return r.typ, r.flags, ok
}

// ReplicaRoleOf maps stored type and flags back to a role name.
func ReplicaRoleOf(typ, flags string) (string, bool) {
	for _, r := range replicaRoleTable {
		if r.typ == typ && r.flags == flags {
			return r.name, true
		}
	}

	return "", false
}

// ReplicaRank orders roles: none < consumer < hub < supplier. Unknown roles
// rank as none.
func ReplicaRank(role string) int {
	r, _ := findRole(role)

	return r.rank
}

// RoleOf returns the replica role recorded in backend fields, none when
// the field is unset.
func RoleOf(fields map[string]Value) string {
	if v, ok := fields["replicarole"]; ok && v.Type == TypeString && v.Str() != "" {
		return strings.ToLower(v.Str())
	}

	return RoleNone
}

// ClearsReplicaID reports whether writing fields moves a backend to a role
// that carries no replica ID. Only suppliers own one.
func ClearsReplicaID(fields map[string]Value) bool {
	_, ok := fields["replicarole"]

	return ok && RoleOf(fields) != RoleSupplier
}

// CheckReplica verifies that the replica ID matches the role of a
// backend's full field set: a supplier needs one and no other role may
// have one.
func CheckReplica(fields map[string]Value) error {
	role := RoleOf(fields)
	_, hasID := fields["replicaid"]

	switch {
	case role == RoleSupplier && !hasID:
		return &ViolationError{Kind: KindBackend, Field: "replicaid", Reason: "a supplier needs a replicaid"}
	case role != RoleSupplier && hasID:
		return &ViolationError{Kind: KindBackend, Field: "replicaid", Reason: "only a supplier may have a replicaid, role is " + role}
	}

	return nil
}
