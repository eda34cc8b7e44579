package handler

import (
	"time"

	"halalledger/internal/ledger/models"
	"halalledger/internal/ledger/policy"
	"halalledger/internal/ledger/service"
	"halalledger/pkg/domain"
	"halalledger/pkg/platform/audit"
)

type HeadResponse struct {
	Head uint64 `json:"head"`
}

type CountResponse struct {
	Count int `json:"count"`
}

type ExistsResponse struct {
	Exists bool `json:"exists"`
}

// PageResponse is one page of batch ids. Total is set where a count query exists.
type PageResponse struct {
	IDs   []domain.BatchID `json:"ids"`
	Start int              `json:"start"`
	Limit int              `json:"limit"`
	Total *int             `json:"total,omitempty"`
}

type LookupResponse struct {
	Batches []*models.Batch `json:"batches"`
}

type RolesResponse struct {
	Principal domain.Principal `json:"principal"`
	Roles     []models.Role    `json:"roles"`
}

type MembersResponse struct {
	Role    models.Role        `json:"role"`
	Members []domain.Principal `json:"members"`
}

type TransferRuleResponse struct {
	From models.Role `json:"from"`
	To   models.Role `json:"to"`
}

type PolicyResponse struct {
	InitialStatus           string                 `json:"initial_status"`
	Statuses                []string               `json:"statuses"`
	Transfers               []TransferRuleResponse `json:"transfers"`
	MaxCertificateRefLength int                    `json:"max_certificate_ref_length"`
}

func FromPolicy(p *policy.Policy) PolicyResponse {
	resp := PolicyResponse{
		InitialStatus:           p.InitialStatus,
		Statuses:                append([]string{}, p.Statuses...),
		Transfers:               make([]TransferRuleResponse, 0, len(p.Transfers)),
		MaxCertificateRefLength: p.MaxCertificateRefLength,
	}
	for _, t := range p.Transfers {
		resp.Transfers = append(resp.Transfers, TransferRuleResponse{From: t.From, To: t.To})
	}
	return resp
}

// ReceiptResponse reports the outcome of a write. Committed is false for idempotent
// role changes that appended nothing.
type ReceiptResponse struct {
	Committed bool          `json:"committed"`
	Event     *models.Event `json:"event,omitempty"`
	Batch     *models.Batch `json:"batch,omitempty"`
}

func FromReceipt(r *service.Receipt) ReceiptResponse {
	if r == nil {
		return ReceiptResponse{}
	}
	resp := ReceiptResponse{Committed: r.Committed(), Batch: r.Batch}
	if resp.Committed {
		e := r.Event
		resp.Event = &e
	}
	return resp
}

type AuditEventResponse struct {
	Category  string    `json:"category"`
	Timestamp time.Time `json:"timestamp"`
	Principal string    `json:"principal,omitempty"`
	BatchID   string    `json:"batch_id,omitempty"`
	Action    string    `json:"action"`
	Decision  string    `json:"decision,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Severity  string    `json:"severity,omitempty"`
	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

type AuditResponse struct {
	Events []AuditEventResponse `json:"events"`
}

func FromAuditEvents(events []audit.Event) AuditResponse {
	resp := AuditResponse{Events: make([]AuditEventResponse, 0, len(events))}
	for _, e := range events {
		resp.Events = append(resp.Events, AuditEventResponse{
			Category:  string(e.Category),
			Timestamp: e.Timestamp,
			Principal: e.Principal,
			BatchID:   e.BatchID,
			Action:    e.Action,
			Decision:  e.Decision,
			Reason:    e.Reason,
			Severity:  string(e.Severity),
			IP:        e.IP,
			UserAgent: e.UserAgent,
			RequestID: e.RequestID,
		})
	}
	return resp
}
