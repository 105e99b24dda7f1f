package schema

// Reserved session state keys. The runtime reads captured tool data from
// StateContext; the invocation keys identify who the session belongs to.
const (
	StateContext             = "context"
	StateInvocationUserID    = "invocation_user_id"
	StateInvocationSessionID = "invocation_session_id"
)
