package types

type originKind uint8

const (
	originNone originKind = iota
	originRoot
	originSigned
)

// Origin is the authorization context for a protocol operation. Operations
// check the capability they need themselves rather than inferring it from
// ambient call context.
type Origin struct {
	kind   originKind
	signer Identity
}

// RootOrigin returns the privileged origin used by governance operations.
func RootOrigin() Origin {
	return Origin{kind: originRoot}
}

// SignedOrigin returns an origin carrying a caller authenticated as id.
func SignedOrigin(id Identity) Origin {
	return Origin{kind: originSigned, signer: id}
}

// IsRoot reports whether the origin carries the privileged capability.
func (o Origin) IsRoot() bool {
	return o.kind == originRoot
}

// Signer returns the authenticated caller identity, if any.
func (o Origin) Signer() (Identity, bool) {
	if o.kind != originSigned {
		return Identity{}, false
	}
	return o.signer, true
}
