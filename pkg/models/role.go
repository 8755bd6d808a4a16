package models

// Role identifies the kind of authenticated caller
type Role string

const (
	RoleDriver     Role = "driver"
	RoleDispatcher Role = "dispatcher"
)

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	return r == RoleDriver || r == RoleDispatcher
}
