package idmap

import "fmt"

// NotFoundError reports a well-formed identifier that resolves to nothing.
// The caller should report it directly; retrying does not help.
type NotFoundError struct {
	Identifier string
	Kind       IdentifierKind
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("idmap: %s identifier %q not found", e.Kind, e.Identifier)
}
