// Package services provides definition publishing with immutable versioning.
package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/civion/civion/pkg/authz"
	"github.com/civion/civion/pkg/compliance"
	"github.com/civion/civion/pkg/dag"
	"github.com/civion/civion/pkg/models"
	"github.com/civion/civion/pkg/persistence"
)

// Publishing allocates versions for workflow definitions and gates them
// through compliance before they become startable.
type Publishing struct {
	persistence persistence.Persistence
	authorizer  authz.Authorizer
	checker     compliance.Checker
}

// NewPublishing creates a new definition publishing service.
func NewPublishing(persist persistence.Persistence, authorizer authz.Authorizer, checker compliance.Checker) *Publishing {
	return &Publishing{
		persistence: persist,
		authorizer:  authorizer,
		checker:     checker,
	}
}

// PublishDefinition validates a definition, runs it through compliance and
// stores it under the next version of its ID. Published versions are
// immutable: publishing again under the same ID allocates a new version and
// existing runs keep the version they started with.
func (p *Publishing) PublishDefinition(ctx context.Context, actor string, def *models.WorkflowDefinition) (*models.WorkflowDefinition, error) {
	if def == nil {
		return nil, ErrDefinitionNil
	}

	err := authorize(ctx, p.authorizer, actor, authz.ActionPublishDefinition, def.ID)
	if err != nil {
		return nil, err
	}

	err = p.validateForPublishing(def)
	if err != nil {
		return nil, err
	}

	allow, findings, err := p.checker.Validate(ctx, def)
	if err != nil {
		return nil, fmt.Errorf("failed to run compliance check: %w", err)
	}

	if !allow {
		return nil, &ComplianceError{Findings: findings}
	}

	version, err := p.nextVersion(ctx, def.ID)
	if err != nil {
		return nil, err
	}

	def.Version = version
	def.PublishedAt = time.Now().UTC()
	def.PublishedBy = actor

	err = p.persistence.Definitions().Save(ctx, def)
	if err != nil {
		return nil, fmt.Errorf("failed to save definition: %w", err)
	}

	return def, nil
}

// GetDefinition returns one definition version, or the latest when version
// is zero or negative.
func (p *Publishing) GetDefinition(ctx context.Context, id string, version int) (*models.WorkflowDefinition, error) {
	if version > 0 {
		return p.persistence.Definitions().Get(ctx, id, version)
	}

	return p.persistence.Definitions().Latest(ctx, id)
}

// ListDefinitions returns the latest version of every published definition.
func (p *Publishing) ListDefinitions(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	return p.persistence.Definitions().All(ctx)
}

// DefinitionVersions returns every published version of a definition in
// ascending order.
func (p *Publishing) DefinitionVersions(ctx context.Context, id string) ([]*models.WorkflowDefinition, error) {
	return p.persistence.Definitions().Versions(ctx, id)
}

// validateForPublishing ensures a definition is structurally sound before a
// version is allocated for it.
func (p *Publishing) validateForPublishing(def *models.WorkflowDefinition) error {
	if strings.TrimSpace(def.ID) == "" {
		return ErrDefinitionIDRequired
	}

	if strings.TrimSpace(def.Name) == "" {
		return ErrNameRequired
	}

	if len(def.Steps) == 0 {
		return ErrStepsRequired
	}

	for _, step := range def.Steps {
		if strings.TrimSpace(step.ID) == "" {
			return fmt.Errorf("step with empty ID: %w", ErrInvalidRequest)
		}

		if step.Kind == "" {
			return fmt.Errorf("step %q has no kind: %w", step.ID, ErrInvalidRequest)
		}
	}

	err := dag.Validate(def)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidGraph, err)
	}

	return nil
}

// nextVersion returns the version the next publish of this ID should get,
// starting at 1 for a new ID.
func (p *Publishing) nextVersion(ctx context.Context, id string) (int, error) {
	latest, err := p.persistence.Definitions().Latest(ctx, id)
	if err != nil {
		if persistence.IsDefinitionNotFound(err) {
			return 1, nil
		}

		return 0, fmt.Errorf("failed to look up latest version: %w", err)
	}

	return latest.Version + 1, nil
}

// authorize evaluates an authz decision and converts a deny into
// ErrForbidden.
func authorize(ctx context.Context, authorizer authz.Authorizer, actor, action, resource string) error {
	allowed, err := authorizer.Authorize(ctx, actor, action, resource)
	if err != nil {
		return fmt.Errorf("failed to evaluate authorization: %w", err)
	}

	if !allowed {
		return fmt.Errorf("actor %q may not %s on %s: %w", actor, action, resource, ErrForbidden)
	}

	return nil
}
