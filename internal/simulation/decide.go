// Package simulation holds the error simulation policy and the decision
// rule shared by every protocol endpoint.
package simulation

// Flags is a pair of force switches at one scope.
type Flags struct {
	Unauthorized bool
	Forbidden    bool
}

// Outcome is the result of applying the simulation flags to a request.
type Outcome int

const (
	Proceed Outcome = iota
	Unauthorized
	Forbidden
)

func (o Outcome) String() string {
	switch o {
	case Unauthorized:
		return "unauthorized"
	case Forbidden:
		return "forbidden"
	default:
		return "proceed"
	}
}

// HTTPStatus returns the HTTP status code for a forced outcome, or 200.
func (o Outcome) HTTPStatus() int {
	switch o {
	case Unauthorized:
		return 401
	case Forbidden:
		return 403
	default:
		return 200
	}
}

// Scope says which set of flags produced an outcome.
type Scope string

const (
	ScopeNone       Scope = ""
	ScopeGlobal     Scope = "global"
	ScopeConnection Scope = "connection"
)

// Decide applies the precedence order global unauthorized, global forbidden,
// connection unauthorized, connection forbidden. The first flag set wins.
func Decide(global, local Flags) (Outcome, Scope) {
	switch {
	case global.Unauthorized:
		return Unauthorized, ScopeGlobal
	case global.Forbidden:
		return Forbidden, ScopeGlobal
	case local.Unauthorized:
		return Unauthorized, ScopeConnection
	case local.Forbidden:
		return Forbidden, ScopeConnection
	default:
		return Proceed, ScopeNone
	}
}
