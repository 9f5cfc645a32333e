package auth

// PermissionMask is a set of permission classes.
type PermissionMask uint8

const (
	MaskSelect PermissionMask = 1 << iota
	MaskInsert
	MaskUpdate
	MaskDelete
	MaskShow
	MaskDescribe
)

var permissionBits = map[PermissionClass]PermissionMask{
	PermissionSelect:   MaskSelect,
	PermissionInsert:   MaskInsert,
	PermissionUpdate:   MaskUpdate,
	PermissionDelete:   MaskDelete,
	PermissionShow:     MaskShow,
	PermissionDescribe: MaskDescribe,
}

// RolePermissionMatrix is the fixed role to permission table.
var RolePermissionMatrix = map[Role]PermissionMask{
	RoleAdmin:     MaskSelect | MaskInsert | MaskUpdate | MaskDelete | MaskShow | MaskDescribe,
	RoleReadWrite: MaskSelect | MaskInsert | MaskUpdate | MaskShow | MaskDescribe,
	RoleReadOnly:  MaskSelect | MaskShow | MaskDescribe,
}

// Allows reports whether role may perform operations of the given class.
// Unknown roles and classes are denied.
func Allows(role Role, class PermissionClass) bool {
	bit, ok := permissionBits[class]
	if !ok {
		return false
	}
	return RolePermissionMatrix[role]&bit != 0
}

// Permissions lists the classes granted to role in a stable order.
func Permissions(role Role) []PermissionClass {
	ordered := []PermissionClass{
		PermissionSelect, PermissionInsert, PermissionUpdate,
		PermissionDelete, PermissionShow, PermissionDescribe,
	}
	granted := make([]PermissionClass, 0, len(ordered))
	for _, c := range ordered {
		if Allows(role, c) {
			granted = append(granted, c)
		}
	}
	return granted
}
