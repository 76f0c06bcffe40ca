package model

// Role represents a session's privilege level.
type Role int

const (
	RoleUser  Role = iota // Normal participant: chat, help, who, quit
	RoleAdmin             // Operator: admin-only commands, /quit shuts the server down
)

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// ParseRole converts a string to a Role.
func ParseRole(s string) Role {
	switch s {
	case "admin":
		return RoleAdmin
	default:
		return RoleUser
	}
}

// Valid returns true if the role is a recognised value (User or Admin).
func (r Role) Valid() bool {
	return r >= RoleUser && r <= RoleAdmin
}

// Permission represents a specific action that can be checked against a role.
type Permission int

const (
	PermAdminCommands Permission = iota // run commands flagged admin-only
	PermShutdown                        // /quit terminates the whole server
	PermKickUser
	PermViewStats
)
