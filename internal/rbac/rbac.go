package rbac

type Role string
type Action string

const (
	RoleViewer   Role = "viewer"
	RoleMarketer Role = "marketer"
	RoleReviewer Role = "reviewer"
	RoleAdmin    Role = "admin"
)

const (
	// ActionAuthor covers creating campaigns and editing study content.
	ActionAuthor Action = "author"
	// ActionApprove makes a user part of the review audience: notified of
	// transitions and allowed to read studies in their org.
	ActionApprove Action = "approve"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleReviewer:
		return action == ActionApprove
	case RoleMarketer:
		return action == ActionAuthor
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleMarketer, RoleReviewer, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
