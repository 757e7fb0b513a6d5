// Package failure defines the error kinds reported by image builds and
// cluster runs. Every fatal error carries enough context (role, build number,
// member) for an operator to resume by hand; nothing here is retried.
package failure

import (
	"errors"
	"strings"
)

// Kind classifies a fatal error. Kinds compare with errors.Is.
type Kind string

const (
	InvalidInput              Kind = "invalid input"
	UnsupportedDistribution   Kind = "unsupported distribution"
	ProvisioningFailure       Kind = "provisioning failure"
	FreezeFailure             Kind = "freeze failure"
	TopologyParseError        Kind = "topology parse error"
	MemberProvisioningFailure Kind = "member provisioning failure"
	ClusterSetupFailure       Kind = "cluster setup failure"
)

func (k Kind) Error() string {
	return string(k)
}

// Error is a classified failure with operator-facing context.
type Error struct {
	Kind   Kind
	Op     string
	Role   string
	Build  string
	Member string
	// Output is the remote output captured when a command failed.
	Output string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}

	var details []string
	if e.Member != "" {
		details = append(details, "member="+e.Member)
	}
	if e.Role != "" {
		details = append(details, "role="+e.Role)
	}
	if e.Build != "" {
		details = append(details, "build="+e.Build)
	}
	if len(details) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(details, " "))
		b.WriteString("]")
	}

	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the Kind of e.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// New returns an Error of the given kind for op.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain,
// or the empty Kind when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// MemberOf returns the cluster member named by a MemberProvisioningFailure.
func MemberOf(err error) (string, bool) {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return "", false
		}
		if e.Kind == MemberProvisioningFailure {
			return e.Member, true
		}
		err = e.Err
	}
	return "", false
}

// OutputOf returns the first remote output recorded in err's chain.
func OutputOf(err error) string {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return ""
		}
		if e.Output != "" {
			return e.Output
		}
		err = e.Err
	}
	return ""
}
