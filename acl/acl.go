// Package acl defines the ACL collaborator interface consumed by the
// executor at step 4, plus a default wildcard-pattern implementation so
// the pipeline is exercisable end to end without an external policy
// service.
package acl

import (
	"fmt"

	"github.com/apcore/apcore/aclmatch"
	"github.com/apcore/apcore/apctx"
)

// ACL is the identity x module permission rule engine the executor
// consults before the approval gate. A nil ACL means "no ACL configured"
// and the executor skips this step entirely.
type ACL interface {
	Check(identity *apctx.Identity, moduleID string, inputs map[string]any) error
}

// Rule grants or denies access to modules matching Pattern for identities
// holding Role (empty Role matches any identity, including an anonymous
// caller).
type Rule struct {
	Pattern string
	Role    string
	Allow   bool
}

// Wildcard is the default ACL: an ordered list of Rules evaluated
// first-match-wins against the module id (via aclmatch.Match) and the
// caller's roles. No matching rule denies by default.
type Wildcard struct {
	rules []Rule
}

// NewWildcard constructs an ACL from an ordered rule list. Earlier rules
// take precedence.
func NewWildcard(rules ...Rule) *Wildcard {
	return &Wildcard{rules: rules}
}

// Check implements ACL. Denies are returned as plain errors; the executor
// is responsible for wrapping them into an ACLDenied ModuleError.
func (w *Wildcard) Check(identity *apctx.Identity, moduleID string, _ map[string]any) error {
	var roles []string
	if identity != nil {
		roles = identity.Roles()
	}

	for _, rule := range w.rules {
		if !aclmatch.Match(rule.Pattern, moduleID) {
			continue
		}
		if rule.Role != "" && !hasRole(roles, rule.Role) {
			continue
		}
		if rule.Allow {
			return nil
		}
		return fmt.Errorf("acl: denied module %q by rule %q", moduleID, rule.Pattern)
	}
	return fmt.Errorf("acl: denied module %q: no matching allow rule", moduleID)
}

func hasRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
