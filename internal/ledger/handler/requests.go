package handler

import (
	"strings"

	"halalledger/pkg/domain"
	dErrors "halalledger/pkg/domain-errors"
	pstrings "halalledger/pkg/platform/strings"
)

const maxLookupIDs = 1000

// CreateBatchRequest is the body of POST /v1/batches.
type CreateBatchRequest struct {
	BatchID     string `json:"batch_id"`
	ProductName string `json:"product_name"`

	parsedID domain.BatchID
}

func (r *CreateBatchRequest) Validate() error {
	id, err := domain.ParseBatchID(r.BatchID)
	if err != nil {
		return err
	}
	r.parsedID = id
	r.ProductName = strings.TrimSpace(r.ProductName)
	if r.ProductName == "" {
		return dErrors.New(dErrors.CodeValidation, "product_name is required")
	}
	return nil
}

type SetCertificateRequest struct {
	CertRef string `json:"cert_ref"`
}

func (r *SetCertificateRequest) Validate() error {
	r.CertRef = strings.TrimSpace(r.CertRef)
	if r.CertRef == "" {
		return dErrors.New(dErrors.CodeValidation, "cert_ref is required")
	}
	return nil
}

type UpdateStatusRequest struct {
	Status string `json:"status"`
}

func (r *UpdateStatusRequest) Validate() error {
	r.Status = strings.TrimSpace(r.Status)
	if r.Status == "" {
		return dErrors.New(dErrors.CodeValidation, "status is required")
	}
	return nil
}

type TransferRequest struct {
	To string `json:"to"`

	parsedTo domain.Principal
}

func (r *TransferRequest) Validate() error {
	to, err := domain.ParsePrincipal(r.To)
	if err != nil {
		return err
	}
	r.parsedTo = to
	return nil
}

// RoleRequest is the body of the grant and revoke endpoints. Role accepts any
// spelling models.ParseRole does.
type RoleRequest struct {
	Principal string `json:"principal"`
	Role      string `json:"role"`

	parsedPrincipal domain.Principal
}

func (r *RoleRequest) Validate() error {
	p, err := domain.ParsePrincipal(r.Principal)
	if err != nil {
		return err
	}
	r.parsedPrincipal = p
	if strings.TrimSpace(r.Role) == "" {
		return dErrors.New(dErrors.CodeValidation, "role is required")
	}
	return nil
}

// LookupRequest is the body of POST /v1/batches/lookup. Duplicate and blank ids are
// dropped before lookup.
type LookupRequest struct {
	IDs []string `json:"ids"`

	parsedIDs []domain.BatchID
}

func (r *LookupRequest) Validate() error {
	ids, err := pstrings.ParseUnique(r.IDs, domain.ParseBatchID)
	if err != nil {
		return err
	}
	if len(ids) > maxLookupIDs {
		return dErrors.Newf(dErrors.CodeValidation, "at most %d ids per lookup", maxLookupIDs)
	}
	r.parsedIDs = ids
	return nil
}
