package rbac

type Role string
type Action string

const (
	RoleViewer      Role = "viewer"
	RoleContributor Role = "contributor"
	RoleReviewer    Role = "reviewer"
	RoleAdmin       Role = "admin"
)

const (
	ActionRead            Action = "read"
	ActionIngest          Action = "ingest"
	ActionEditAnswer      Action = "editAnswer"
	ActionResolveProposal Action = "resolveProposal"
	ActionMarkComplete    Action = "markComplete"
	ActionAdmin           Action = "admin"
)

// Can reports whether a role may perform an action. Contributors can feed
// answers in; only reviewers resolve proposals, re-point current answers,
// or mark sections complete.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleReviewer:
		return action == ActionRead || action == ActionIngest || action == ActionEditAnswer ||
			action == ActionResolveProposal || action == ActionMarkComplete
	case RoleContributor:
		return action == ActionRead || action == ActionIngest || action == ActionEditAnswer
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleContributor, RoleReviewer, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
