package service

import (
	"context"

	"halalledger/internal/ledger/models"
	"halalledger/pkg/domain"
	dErrors "halalledger/pkg/domain-errors"
	"halalledger/pkg/platform/audit"
	"halalledger/pkg/requestcontext"
)

// Action names used in errors, metrics and audit events.
const (
	ActionCreateBatch    = "create_batch"
	ActionSetCertificate = "set_certificate"
	ActionUpdateStatus   = "update_status"
	ActionTransferBatch  = "transfer_batch"
	ActionGrantRole      = "grant_role"
	ActionRevokeRole     = "revoke_role"
	ActionBootstrap      = "bootstrap"
)

// CreateBatchCommand registers a new batch owned by its producer.
type CreateBatchCommand struct {
	Actor       domain.Principal
	BatchID     domain.BatchID
	ProductName string
}

type SetCertificateCommand struct {
	Actor   domain.Principal
	BatchID domain.BatchID
	CertRef string
}

type UpdateStatusCommand struct {
	Actor   domain.Principal
	BatchID domain.BatchID
	Status  string
}

type TransferBatchCommand struct {
	Actor   domain.Principal
	BatchID domain.BatchID
	To      domain.Principal
}

// RoleCommand grants or revokes Role for Principal.
type RoleCommand struct {
	Actor     domain.Principal
	Principal domain.Principal
	Role      models.Role
}

// CreateBatch requires the Producer role and an unused batch id.
func (s *Service) CreateBatch(ctx context.Context, cmd CreateBatchCommand) (*Receipt, error) {
	return s.execute(ctx, ActionCreateBatch, cmd.BatchID.String(), cmd.BatchID, cmd.Actor,
		func(ctx context.Context) (models.Event, error) {
			if !s.view().roles.HasRole(cmd.Actor, models.RoleProducer) {
				return models.Event{}, dErrors.New(dErrors.CodeUnauthorized, "producer role required")
			}
			now := requestcontext.Now(ctx)
			if _, err := models.NewBatch(cmd.BatchID, cmd.ProductName, cmd.Actor, s.policy.InitialStatus, now); err != nil {
				return models.Event{}, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid batch")
			}
			if s.view().projection.Exists(cmd.BatchID) {
				return models.Event{}, dErrors.New(dErrors.CodeAlreadyExists, "batch already exists")
			}
			return models.Event{
				BatchSeq:  1,
				Timestamp: now,
				Payload: models.Created{
					BatchID:       cmd.BatchID,
					ProductName:   cmd.ProductName,
					Producer:      cmd.Actor,
					InitialStatus: s.policy.InitialStatus,
				},
			}, nil
		})
}

// SetCertificate requires the HalalAuthority role. A later certificate replaces the
// earlier one.
func (s *Service) SetCertificate(ctx context.Context, cmd SetCertificateCommand) (*Receipt, error) {
	return s.execute(ctx, ActionSetCertificate, cmd.BatchID.String(), cmd.BatchID, cmd.Actor,
		func(ctx context.Context) (models.Event, error) {
			if !s.view().roles.HasRole(cmd.Actor, models.RoleHalalAuthority) {
				return models.Event{}, dErrors.New(dErrors.CodeUnauthorized, "halal authority role required")
			}
			b, err := s.view().projection.Get(cmd.BatchID)
			if err != nil {
				return models.Event{}, err
			}
			if err := s.policy.CheckCertificateRef(cmd.CertRef); err != nil {
				return models.Event{}, err
			}
			return models.Event{
				BatchSeq:  b.Version + 1,
				Timestamp: requestcontext.Now(ctx),
				Payload: models.CertificateSet{
					BatchID:   cmd.BatchID,
					CertRef:   cmd.CertRef,
					Authority: cmd.Actor,
				},
			}, nil
		})
}

// UpdateStatus requires the actor to be the current owner.
func (s *Service) UpdateStatus(ctx context.Context, cmd UpdateStatusCommand) (*Receipt, error) {
	return s.execute(ctx, ActionUpdateStatus, cmd.BatchID.String(), cmd.BatchID, cmd.Actor,
		func(ctx context.Context) (models.Event, error) {
			b, err := s.view().projection.Get(cmd.BatchID)
			if err != nil {
				return models.Event{}, err
			}
			if err := b.CanUpdateStatus(cmd.Actor); err != nil {
				return models.Event{}, err
			}
			if err := s.policy.CheckStatus(cmd.Status); err != nil {
				return models.Event{}, err
			}
			return models.Event{
				BatchSeq:  b.Version + 1,
				Timestamp: requestcontext.Now(ctx),
				Payload: models.StatusChanged{
					BatchID:   cmd.BatchID,
					NewStatus: cmd.Status,
					Actor:     cmd.Actor,
				},
			}, nil
		})
}

// TransferBatch requires the actor to be the current owner and the stage policy to
// permit a transfer between the actor's and the recipient's roles.
func (s *Service) TransferBatch(ctx context.Context, cmd TransferBatchCommand) (*Receipt, error) {
	return s.execute(ctx, ActionTransferBatch, cmd.BatchID.String(), cmd.BatchID, cmd.Actor,
		func(ctx context.Context) (models.Event, error) {
			b, err := s.view().projection.Get(cmd.BatchID)
			if err != nil {
				return models.Event{}, err
			}
			if err := b.CanTransfer(cmd.Actor, cmd.To); err != nil {
				return models.Event{}, err
			}
			if !s.policy.CanTransfer(s.view().roles.Roles(cmd.Actor), s.view().roles.Roles(cmd.To)) {
				return models.Event{}, dErrors.Newf(dErrors.CodeInvalidTransition,
					"stage policy does not permit a transfer from %s to %s", cmd.Actor.Short(), cmd.To.Short())
			}
			return models.Event{
				BatchSeq:  b.Version + 1,
				Timestamp: requestcontext.Now(ctx),
				Payload: models.Transferred{
					BatchID: cmd.BatchID,
					From:    cmd.Actor,
					To:      cmd.To,
				},
			}, nil
		})
}

// GrantRole requires Admin. Granting a held role commits nothing.
func (s *Service) GrantRole(ctx context.Context, cmd RoleCommand) (*Receipt, error) {
	receipt, err := s.execute(ctx, ActionGrantRole, roleLockKey(cmd.Principal), "", cmd.Actor,
		func(ctx context.Context) (models.Event, error) {
			if err := s.checkRoleCommand(cmd); err != nil {
				return models.Event{}, err
			}
			if s.view().roles.HasRole(cmd.Principal, cmd.Role) {
				return models.Event{}, nil
			}
			return models.Event{
				Timestamp: requestcontext.Now(ctx),
				Payload:   models.RoleGranted{Role: cmd.Role, Principal: cmd.Principal, Grantor: cmd.Actor},
			}, nil
		})
	if err != nil {
		return nil, err
	}
	if receipt.Committed() {
		s.auditRoleChange(ctx, cmd, "granted")
	}
	return receipt, nil
}

// RevokeRole requires Admin. Revoking an unheld role commits nothing.
func (s *Service) RevokeRole(ctx context.Context, cmd RoleCommand) (*Receipt, error) {
	receipt, err := s.execute(ctx, ActionRevokeRole, roleLockKey(cmd.Principal), "", cmd.Actor,
		func(ctx context.Context) (models.Event, error) {
			if err := s.checkRoleCommand(cmd); err != nil {
				return models.Event{}, err
			}
			if !s.view().roles.HasRole(cmd.Principal, cmd.Role) {
				return models.Event{}, nil
			}
			return models.Event{
				Timestamp: requestcontext.Now(ctx),
				Payload:   models.RoleRevoked{Role: cmd.Role, Principal: cmd.Principal, Revoker: cmd.Actor},
			}, nil
		})
	if err != nil {
		return nil, err
	}
	if receipt.Committed() {
		s.auditRoleChange(ctx, cmd, "revoked")
	}
	return receipt, nil
}

// GrantRoleByName parses spellings such as "PRODUCER_ROLE" before granting.
func (s *Service) GrantRoleByName(ctx context.Context, actor, principal domain.Principal, role string) (*Receipt, error) {
	r, err := models.ParseRole(role)
	if err != nil {
		return nil, err
	}
	return s.GrantRole(ctx, RoleCommand{Actor: actor, Principal: principal, Role: r})
}

// RevokeRoleByName is the revoking counterpart of GrantRoleByName.
func (s *Service) RevokeRoleByName(ctx context.Context, actor, principal domain.Principal, role string) (*Receipt, error) {
	r, err := models.ParseRole(role)
	if err != nil {
		return nil, err
	}
	return s.RevokeRole(ctx, RoleCommand{Actor: actor, Principal: principal, Role: r})
}

// Bootstrap grants Admin to admin on behalf of the system when the log is empty, so
// the grant is part of the replayable history. On a non-empty log it does nothing.
// Two processes bootstrapping the same empty log both commit a grant; the second is
// redundant but harmless.
func (s *Service) Bootstrap(ctx context.Context, admin domain.Principal) (*Receipt, error) {
	if admin.IsZero() {
		return &Receipt{}, nil
	}
	receipt, err := s.execute(ctx, ActionBootstrap, roleLockKey(admin), "", domain.SystemPrincipal,
		func(ctx context.Context) (models.Event, error) {
			head, err := s.backend.Head(ctx)
			if err != nil {
				return models.Event{}, dErrors.Wrap(err, dErrors.CodeBackendRejected, "failed to read log head")
			}
			if head > 0 {
				return models.Event{}, nil
			}
			return models.Event{
				Timestamp: requestcontext.Now(ctx),
				Payload: models.RoleGranted{
					Role:      models.RoleAdmin,
					Principal: admin,
					Grantor:   domain.SystemPrincipal,
				},
			}, nil
		})
	if err != nil {
		return nil, err
	}
	if receipt.Committed() {
		s.logAudit(ctx, audit.EventAdminBootstrapped, audit.Event{
			Principal: admin.String(),
			Decision:  "granted",
			Severity:  audit.SeverityInfo,
		}, "admin", admin)
	}
	return receipt, nil
}

func (s *Service) checkRoleCommand(cmd RoleCommand) error {
	if err := s.view().roles.RequireAdmin(cmd.Actor); err != nil {
		return err
	}
	if !cmd.Role.IsValid() {
		return dErrors.Newf(dErrors.CodeInvalidInput, "unknown role %q", cmd.Role)
	}
	if cmd.Principal.IsZero() {
		return dErrors.New(dErrors.CodeInvalidInput, "principal cannot be empty")
	}
	return nil
}

func (s *Service) auditRoleChange(ctx context.Context, cmd RoleCommand, decision string) {
	s.logAudit(ctx, audit.EventRoleChanged, audit.Event{
		Principal: cmd.Actor.String(),
		Decision:  decision,
		Reason:    cmd.Role.String() + " for " + cmd.Principal.String(),
		Severity:  audit.SeverityInfo,
	}, "role", cmd.Role, "principal", cmd.Principal, "actor", cmd.Actor, "decision", decision)
}

func roleLockKey(p domain.Principal) string {
	return "role:" + p.String()
}
