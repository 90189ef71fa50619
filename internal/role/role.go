// Package role defines the closed set of user roles.
package role

// Role is a user's privilege level. The zero value is not a valid role;
// use Parse to convert stored strings.
type Role string

const (
	User  Role = "user"
	Admin Role = "admin"
)

// Parse maps a stored value onto a Role. Anything other than the exact
// string "admin" is treated as User, so unexpected values never grant privilege.
func Parse(s string) Role {
	if Role(s) == Admin {
		return Admin
	}
	return User
}

// IsAdmin reports whether r is exactly Admin.
func (r Role) IsAdmin() bool {
	return r == Admin
}

// Valid reports whether r is one of the defined roles.
func (r Role) Valid() bool {
	return r == User || r == Admin
}
