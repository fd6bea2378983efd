package auth

const (
	ScopeOpenID         = "openid"
	ScopeProfile        = "profile"
	ScopeEmail          = "email"
	ScopePipelineRead   = "pipeline:read"
	ScopePipelineReview = "pipeline:review"
)

// LoginScopes are requested by the browser login flow so the ID token
// carries the reviewer's email.
var LoginScopes = []string{
	ScopeOpenID,
	ScopeProfile,
	ScopeEmail,
}

// AllScopes defines the full set of scopes used by the Swagger UI / Frontend
var AllScopes = []string{
	ScopeOpenID,
	ScopeProfile,
	ScopeEmail,
	ScopePipelineRead,
	ScopePipelineReview,
}
