package auth

import "strings"

// Role represents a role in the system.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleReadWrite Role = "read_write"
	RoleReadOnly  Role = "read_only"
)

// PermissionClass represents the kind of statement an operation performs.
type PermissionClass string

const (
	PermissionSelect   PermissionClass = "select"
	PermissionInsert   PermissionClass = "insert"
	PermissionUpdate   PermissionClass = "update"
	PermissionDelete   PermissionClass = "delete"
	PermissionShow     PermissionClass = "show"
	PermissionDescribe PermissionClass = "describe"
)

// User is a registered account. Users are fixed at store construction.
type User struct {
	Username string
	Password string
	Role     Role
}

// Well-known account names.
const (
	UsernameAdmin     = "admin"
	UsernameReadWrite = "readwrite"
	UsernameReadOnly  = "readonly"
)

// Credentials holds the passwords for the three well-known accounts.
// An empty password disables the corresponding account.
type Credentials struct {
	AdminPassword     string
	ReadWritePassword string
	ReadOnlyPassword  string
}

// Users builds the fixed user registry from the configured passwords.
func (c Credentials) Users() []User {
	users := make([]User, 0, 3)
	if c.AdminPassword != "" {
		users = append(users, User{Username: UsernameAdmin, Password: c.AdminPassword, Role: RoleAdmin})
	}
	if c.ReadWritePassword != "" {
		users = append(users, User{Username: UsernameReadWrite, Password: c.ReadWritePassword, Role: RoleReadWrite})
	}
	if c.ReadOnlyPassword != "" {
		users = append(users, User{Username: UsernameReadOnly, Password: c.ReadOnlyPassword, Role: RoleReadOnly})
	}
	return users
}

// ParseRole parses a role name. Matching is case-insensitive.
func ParseRole(s string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleAdmin:
		return RoleAdmin, true
	case RoleReadWrite:
		return RoleReadWrite, true
	case RoleReadOnly:
		return RoleReadOnly, true
	}
	return "", false
}

// ParsePermissionClass parses a permission class name. Matching is case-insensitive.
func ParsePermissionClass(s string) (PermissionClass, bool) {
	c := PermissionClass(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := permissionBits[c]; ok {
		return c, true
	}
	return "", false
}
