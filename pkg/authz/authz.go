// Package authz decides whether an actor may perform a control-plane
// action. The API consults an Authorizer before mutating anything; the
// identity provider that names the actor sits outside this module.
package authz

import (
	"context"
	"fmt"
	"strings"
)

// Actions checked by the control plane.
const (
	ActionPublishDefinition = "definition.publish"
	ActionStartRun          = "run.start"
	ActionCancelRun         = "run.cancel"
	ActionDecideTicket      = "ticket.decide"
)

// Wildcard matches any actor, action or resource in a Rule.
const Wildcard = "*"

// Authorizer answers whether actor may perform action on resource. A false
// verdict with a nil error is an ordinary deny; a non-nil error means no
// decision could be made and the caller must not proceed.
type Authorizer interface {
	Authorize(ctx context.Context, actor, action, resource string) (bool, error)
}

// AllowAll authorizes every request. Meant for development setups where the
// gateway in front of the API already did the checking.
type AllowAll struct{}

func (AllowAll) Authorize(_ context.Context, _, _, _ string) (bool, error) {
	return true, nil
}

// Rule grants one actor one action on one resource. Any field may be the
// wildcard. The zero value grants nothing.
type Rule struct {
	Actor    string
	Action   string
	Resource string
}

func (r Rule) matches(actor, action, resource string) bool {
	return matchField(r.Actor, actor) && matchField(r.Action, action) && matchField(r.Resource, resource)
}

func matchField(pattern, value string) bool {
	return pattern == Wildcard || (pattern != "" && pattern == value)
}

// StaticRules authorizes against a fixed grant list, deny by default. An
// empty actor is always denied so unauthenticated requests cannot ride on a
// wildcard grant.
type StaticRules struct {
	rules []Rule
}

// NewStaticRules creates an authorizer from the given grants.
func NewStaticRules(rules []Rule) *StaticRules {
	return &StaticRules{rules: rules}
}

// Authorize walks the grant list in order and allows on the first match.
func (s *StaticRules) Authorize(_ context.Context, actor, action, resource string) (bool, error) {
	if actor == "" {
		return false, nil
	}

	for _, rule := range s.rules {
		if rule.matches(actor, action, resource) {
			return true, nil
		}
	}

	return false, nil
}

// ParseRules parses a comma-separated list of "actor:action:resource"
// grants, the form taken on the command line. An empty segment is treated
// as the wildcard.
func ParseRules(spec string) ([]Rule, error) {
	if strings.TrimSpace(spec) == "" {
		return nil, nil
	}

	var rules []Rule

	for _, grant := range strings.Split(spec, ",") {
		grant = strings.TrimSpace(grant)
		if grant == "" {
			continue
		}

		parts := strings.Split(grant, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid grant %q: want actor:action:resource", grant)
		}

		rules = append(rules, Rule{
			Actor:    segment(parts[0]),
			Action:   segment(parts[1]),
			Resource: segment(parts[2]),
		})
	}

	return rules, nil
}

func segment(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return Wildcard
	}

	return s
}
