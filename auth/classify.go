package auth

import (
	"strings"
	"unicode"
)

// Classify maps a raw SQL string to the permission class required to run it.
// Only the leading keyword is inspected. Anything unrecognised, including DDL
// such as ALTER or CREATE, is treated as select.
//
// TODO(authz): unrecognised statements should require an explicit DDL class
// once one exists; today a read-only user can issue ALTER through this path
// and only the database's own grants stop it.
func Classify(query string) PermissionClass {
	switch leadingKeyword(query) {
	case "insert":
		return PermissionInsert
	case "update":
		return PermissionUpdate
	case "delete":
		return PermissionDelete
	case "show":
		return PermissionShow
	case "describe", "desc":
		return PermissionDescribe
	default:
		return PermissionSelect
	}
}

// leadingKeyword returns the first run of letters after leading whitespace,
// lowercased.
func leadingKeyword(query string) string {
	s := strings.TrimLeftFunc(query, unicode.IsSpace)
	end := strings.IndexFunc(s, func(r rune) bool { return !unicode.IsLetter(r) })
	if end < 0 {
		end = len(s)
	}
	return strings.ToLower(s[:end])
}
