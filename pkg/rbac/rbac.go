// Package rbac provides role-based access control checks.
package rbac

import "github.com/NicolasHaas/tgbridge/pkg/model"

// permissionMatrix maps roles to their allowed permissions.
var permissionMatrix = map[model.Role]map[model.Permission]bool{
	model.RoleAdmin: {
		model.PermCreateRoom:  true,
		model.PermDeleteRoom:  true,
		model.PermImportRooms: true,
		model.PermManageUsers: true,
	},
	model.RoleUser: {
		// No special permissions: can join existing rooms and talk
	},
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role model.Role, perm model.Permission) bool {
	perms, ok := permissionMatrix[role]
	if !ok {
		return false
	}
	return perms[perm]
}

// RequirePermission returns a forbidden error naming the permission, or nil if allowed.
func RequirePermission(role model.Role, perm model.Permission) error {
	if HasPermission(role, perm) {
		return nil
	}
	return &model.Error{Kind: model.KindForbidden, Msg: "permission denied: " + permName(perm) + " requires admin"}
}

func permName(p model.Permission) string {
	switch p {
	case model.PermCreateRoom:
		return "create_room"
	case model.PermDeleteRoom:
		return "delete_room"
	case model.PermImportRooms:
		return "import_rooms"
	case model.PermManageUsers:
		return "manage_users"
	default:
		return "unknown"
	}
}
