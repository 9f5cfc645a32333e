package gateway

import "github.com/tobilg/caddyserver-dbgate-module/auth"

// Operation names a caller-facing gateway operation.
type Operation string

const (
	OpAuthenticate  Operation = "authenticate"
	OpQuery         Operation = "query"
	OpListDatabases Operation = "list_databases"
	OpListTables    Operation = "list_tables"
	OpDescribeTable Operation = "describe_table"
	OpGetTableData  Operation = "get_table_data"
	OpInsert        Operation = "insert"
	OpUpdate        Operation = "update"
	OpDelete        Operation = "delete"
	OpLogout        Operation = "logout"
)

// Operations lists every operation in a stable order.
var Operations = []Operation{
	OpAuthenticate,
	OpQuery,
	OpListDatabases,
	OpListTables,
	OpDescribeTable,
	OpGetTableData,
	OpInsert,
	OpUpdate,
	OpDelete,
	OpLogout,
}

// operationClasses is the fixed permission class of each structured
// operation. Raw queries are classified from their text.
var operationClasses = map[Operation]auth.PermissionClass{
	OpListDatabases: auth.PermissionShow,
	OpListTables:    auth.PermissionShow,
	OpDescribeTable: auth.PermissionDescribe,
	OpGetTableData:  auth.PermissionSelect,
	OpInsert:        auth.PermissionInsert,
	OpUpdate:        auth.PermissionUpdate,
	OpDelete:        auth.PermissionDelete,
}

// ParseOperation looks up an operation by name.
func ParseOperation(name string) (Operation, bool) {
	for _, op := range Operations {
		if string(op) == name {
			return op, true
		}
	}
	return "", false
}

// Class returns the permission class required by op. For OpQuery the class
// depends on the statement text. Authenticate and logout need none.
func (op Operation) Class(query string) (auth.PermissionClass, bool) {
	if op == OpQuery {
		return auth.Classify(query), true
	}
	class, ok := operationClasses[op]
	return class, ok
}
