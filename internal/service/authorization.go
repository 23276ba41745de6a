package service

import (
	"context"

	"github.com/noah-isme/accreditation-api/internal/models"
)

// Action names an operation guarded by the authorization gate.
type Action string

const (
	ActionRequestCreate        Action = "request.create"
	ActionRequestSubmit        Action = "request.submit"
	ActionRequestReview        Action = "request.review"
	ActionRequestApprove       Action = "request.approve"
	ActionRequestReject        Action = "request.reject"
	ActionRequestReturn        Action = "request.return"
	ActionRequestSuspend       Action = "request.suspend"
	ActionRequestCancel        Action = "request.cancel"
	ActionRequestDelete        Action = "request.delete"
	ActionRequestView          Action = "request.view"
	ActionCredentialView       Action = "credential.view"
	ActionCredentialRegenerate Action = "credential.regenerate"
	ActionCredentialExpire     Action = "credential.expire"
	ActionCredentialCleanup    Action = "credential.cleanup"
	ActionBatchView            Action = "batch.view"
	ActionBatchQueue           Action = "batch.queue"
	ActionBatchRetry           Action = "batch.retry"
	ActionBatchDownload        Action = "batch.download"
	ActionBatchCleanup         Action = "batch.cleanup"
	ActionBulkRun              Action = "bulk.run"
)

// Authorizer decides whether an actor may perform an action on an entity.
type Authorizer interface {
	CanPerform(ctx context.Context, actor models.Actor, action Action, entity interface{}) bool
}

// RoleGate is a static role to action table. Coordinators may only touch requests they created.
type RoleGate struct {
	rules map[Action]map[models.UserRole]bool
}

// NewRoleGate builds the default permission table.
func NewRoleGate() *RoleGate {
	admins := []models.UserRole{models.RoleSuperAdmin, models.RoleAdmin, models.RoleSystem}
	with := func(roles ...models.UserRole) map[models.UserRole]bool {
		set := make(map[models.UserRole]bool, len(admins)+len(roles))
		for _, r := range admins {
			set[r] = true
		}
		for _, r := range roles {
			set[r] = true
		}
		return set
	}
	return &RoleGate{rules: map[Action]map[models.UserRole]bool{
		ActionRequestCreate:        with(models.RoleCoordinator),
		ActionRequestSubmit:        with(models.RoleCoordinator),
		ActionRequestCancel:        with(models.RoleCoordinator),
		ActionRequestView:          with(models.RoleCoordinator, models.RoleAccreditor, models.RoleOperator),
		ActionRequestReview:        with(models.RoleAccreditor),
		ActionRequestApprove:       with(models.RoleAccreditor),
		ActionRequestReject:        with(models.RoleAccreditor),
		ActionRequestReturn:        with(models.RoleAccreditor),
		ActionRequestSuspend:       with(models.RoleAccreditor),
		ActionRequestDelete:        with(),
		ActionCredentialView:       with(models.RoleAccreditor, models.RoleOperator),
		ActionCredentialRegenerate: with(models.RoleOperator),
		ActionCredentialExpire:     with(),
		ActionCredentialCleanup:    with(),
		ActionBatchView:            with(models.RoleOperator),
		ActionBatchQueue:           with(models.RoleOperator),
		ActionBatchRetry:           with(models.RoleOperator),
		ActionBatchDownload:        with(models.RoleOperator),
		ActionBatchCleanup:         with(),
		ActionBulkRun:              with(),
	}}
}

// CanPerform implements Authorizer.
func (g *RoleGate) CanPerform(_ context.Context, actor models.Actor, action Action, entity interface{}) bool {
	if actor.ID == "" {
		return false
	}
	roles, ok := g.rules[action]
	if !ok || !roles[actor.Role] {
		return false
	}
	if actor.Role == models.RoleCoordinator {
		if req, ok := entity.(*models.AccreditationRequest); ok && req != nil {
			return req.CreatedBy == actor.ID
		}
	}
	return true
}

// AllowAll is an Authorizer that permits everything; used by trusted operator tooling.
type AllowAll struct{}

// CanPerform implements Authorizer.
func (AllowAll) CanPerform(context.Context, models.Actor, Action, interface{}) bool { return true }
