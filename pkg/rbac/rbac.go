// Package rbac provides role-based access control checks.
package rbac

import "github.com/NicolasHaas/gotalk/pkg/model"

// permissionMatrix maps roles to their allowed permissions.
var permissionMatrix = map[model.Role]map[model.Permission]bool{
	model.RoleAdmin: {
		model.PermAdminCommands: true,
		model.PermShutdown:      true,
		model.PermKickUser:      true,
		model.PermViewStats:     true,
	},
	model.RoleUser: {
		// No special permissions: chat, help, who and logout only
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

// RequirePermission returns an error message if the role lacks the permission, or empty string if allowed.
func RequirePermission(role model.Role, perm model.Permission) string {
	if HasPermission(role, perm) {
		return ""
	}
	return "permission denied: " + permName(perm) + " requires admin role"
}

func permName(p model.Permission) string {
	switch p {
	case model.PermAdminCommands:
		return "admin_commands"
	case model.PermShutdown:
		return "shutdown"
	case model.PermKickUser:
		return "kick_user"
	case model.PermViewStats:
		return "view_stats"
	default:
		return "unknown"
	}
}
