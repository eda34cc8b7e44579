package models

import (
	"time"

	"halalledger/pkg/domain"
	dErrors "halalledger/pkg/domain-errors"
)

const maxProductNameLength = 256

// Batch is the current-state projection of one tracked unit of goods.
//
// Invariants:
//   - ID, ProductName, Producer and CreatedAt never change after creation
//   - CurrentOwner changes only through a Transfer signed by the current owner
//   - CertificateRef presence is the only certification signal
//   - Version counts the events applied to this batch
type Batch struct {
	ID             domain.BatchID   `json:"id"`
	ProductName    string           `json:"product_name"`
	Producer       domain.Principal `json:"producer"`
	CurrentOwner   domain.Principal `json:"current_owner"`
	Status         string           `json:"status"`
	CertificateRef string           `json:"certificate_ref,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	Version        uint64           `json:"version"`
}

// NewBatch validates creation input and returns a batch owned by its producer.
func NewBatch(id domain.BatchID, productName string, producer domain.Principal, status string, now time.Time) (*Batch, error) {
	if id == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "batch id cannot be empty")
	}
	if productName == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "product name cannot be empty")
	}
	if len(productName) > maxProductNameLength {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "product name must be 256 characters or less")
	}
	if producer.IsZero() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "producer cannot be empty")
	}
	return &Batch{
		ID:           id,
		ProductName:  productName,
		Producer:     producer,
		CurrentOwner: producer,
		Status:       status,
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      1,
	}, nil
}

// IsCertified reports whether a halal certificate reference is present.
func (b *Batch) IsCertified() bool {
	return b.CertificateRef != ""
}

// Clone returns a copy safe to hand to readers.
func (b *Batch) Clone() *Batch {
	cp := *b
	return &cp
}

// CanUpdateStatus checks the custody rule for status updates.
func (b *Batch) CanUpdateStatus(actor domain.Principal) error {
	if actor != b.CurrentOwner {
		return dErrors.New(dErrors.CodeUnauthorized, "only the current owner may update status")
	}
	return nil
}

// CanTransfer checks the custody rule and the recipient shape for transfers.
// Stage policy is checked separately by the processor.
func (b *Batch) CanTransfer(actor, to domain.Principal) error {
	if actor != b.CurrentOwner {
		return dErrors.New(dErrors.CodeUnauthorized, "only the current owner may transfer")
	}
	if to.IsZero() {
		return dErrors.New(dErrors.CodeInvalidTransition, "recipient cannot be empty")
	}
	if to == actor {
		return dErrors.New(dErrors.CodeInvalidTransition, "cannot transfer a batch to its current owner")
	}
	return nil
}

// ApplyCertificate records the certificate reference. Overwrites are allowed.
func (b *Batch) ApplyCertificate(ref string, at time.Time) {
	b.CertificateRef = ref
	b.touch(at)
}

// ApplyStatus records a new status label.
func (b *Batch) ApplyStatus(status string, at time.Time) {
	b.Status = status
	b.touch(at)
}

// ApplyTransfer moves custody.
func (b *Batch) ApplyTransfer(to domain.Principal, at time.Time) {
	b.CurrentOwner = to
	b.touch(at)
}

func (b *Batch) touch(at time.Time) {
	b.UpdatedAt = at
	b.Version++
}
