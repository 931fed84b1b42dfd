package cmd

import (
	"fmt"

	"github.com/civion/civion/pkg/authz"
)

// NewAuthorizer builds the control-plane authorizer from a comma-separated
// actor:action:resource grant list. An empty list selects AllowAll for
// development setups where the gateway in front of the API already checks
// callers.
func NewAuthorizer(rulesSpec string) authz.Authorizer {
	rules, err := authz.ParseRules(rulesSpec)
	if err != nil {
		panic(fmt.Errorf("failed to parse authorization rules: %w", err))
	}

	if len(rules) == 0 {
		return authz.AllowAll{}
	}

	return authz.NewStaticRules(rules)
}
