package models

// Role is the closed set of roles a caller can carry
type Role string

const (
	RoleApplicant Role = "applicant"
	RoleAmoAgent  Role = "amo_agent"
	RoleAdmin     Role = "admin"
)

// ParseRole maps a JWT role claim onto a Role. Unknown claims are treated as applicants,
// the least privileged role.
func ParseRole(claim string) Role {
	switch claim {
	case "Admin", "admin", "super_admin":
		return RoleAdmin
	case "AMO", "amo", "amo_agent", "AmoAgent":
		return RoleAmoAgent
	default:
		return RoleApplicant
	}
}

// Principal is the already-authenticated caller. It is passed explicitly to every
// core operation; organization affiliation is deliberately absent because it is
// re-read from storage on every authorization check.
type Principal struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Role   Role   `json:"role"`
}

// IsAdmin reports whether the principal has the administrator role
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// SystemPrincipal is used by scheduled triggers (sync lambda, ops CLI)
var SystemPrincipal = Principal{UserID: "system", Role: RoleAdmin}
