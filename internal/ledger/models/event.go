package models

import (
	"encoding/json"
	"fmt"
	"time"

	"halalledger/pkg/domain"
)

// Kind names an event variant. The set is closed: every switch over Kind in the
// processor, projection and timeline handles all six.
type Kind string

const (
	KindCreated        Kind = "created"
	KindCertificateSet Kind = "certificate_set"
	KindStatusChanged  Kind = "status_changed"
	KindTransferred    Kind = "transferred"
	KindRoleGranted    Kind = "role_granted"
	KindRoleRevoked    Kind = "role_revoked"
)

// Payload is implemented only by the variant structs in this file.
type Payload interface {
	Kind() Kind
	isPayload()
}

// Created carries the initial status so replay does not depend on the stage policy
// in force at rebuild time.
type Created struct {
	BatchID       domain.BatchID   `json:"batch_id"`
	ProductName   string           `json:"product_name"`
	Producer      domain.Principal `json:"producer"`
	InitialStatus string           `json:"initial_status"`
}

type CertificateSet struct {
	BatchID   domain.BatchID   `json:"batch_id"`
	CertRef   string           `json:"cert_ref"`
	Authority domain.Principal `json:"authority"`
}

type StatusChanged struct {
	BatchID   domain.BatchID   `json:"batch_id"`
	NewStatus string           `json:"new_status"`
	Actor     domain.Principal `json:"actor"`
}

type Transferred struct {
	BatchID domain.BatchID   `json:"batch_id"`
	From    domain.Principal `json:"from"`
	To      domain.Principal `json:"to"`
}

type RoleGranted struct {
	Role      Role             `json:"role"`
	Principal domain.Principal `json:"principal"`
	Grantor   domain.Principal `json:"grantor"`
}

type RoleRevoked struct {
	Role      Role             `json:"role"`
	Principal domain.Principal `json:"principal"`
	Revoker   domain.Principal `json:"revoker"`
}

func (Created) Kind() Kind        { return KindCreated }
func (CertificateSet) Kind() Kind { return KindCertificateSet }
func (StatusChanged) Kind() Kind  { return KindStatusChanged }
func (Transferred) Kind() Kind    { return KindTransferred }
func (RoleGranted) Kind() Kind    { return KindRoleGranted }
func (RoleRevoked) Kind() Kind    { return KindRoleRevoked }

func (Created) isPayload()        {}
func (CertificateSet) isPayload() {}
func (StatusChanged) isPayload()  {}
func (Transferred) isPayload()    {}
func (RoleGranted) isPayload()    {}
func (RoleRevoked) isPayload()    {}

// Event is an immutable fact in the log.
//
// Position is assigned by the backend at commit time, starts at 1 and is the only
// ordering key. Timestamp is informational. BatchSeq is the per-batch sequence
// (1 for Created) used by the backend's compare-and-commit; role events carry 0.
type Event struct {
	Position  uint64
	LedgerID  string
	BatchSeq  uint64
	Timestamp time.Time
	Ref       string
	Payload   Payload
}

// Kind returns the payload kind.
func (e Event) Kind() Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

// Committed reports whether the backend assigned a position.
func (e Event) Committed() bool {
	return e.Position > 0
}

// BatchID returns the referenced batch, or false for role events.
func (e Event) BatchID() (domain.BatchID, bool) {
	switch p := e.Payload.(type) {
	case Created:
		return p.BatchID, true
	case CertificateSet:
		return p.BatchID, true
	case StatusChanged:
		return p.BatchID, true
	case Transferred:
		return p.BatchID, true
	default:
		return "", false
	}
}

// Actor returns the principal that signed the action.
func (e Event) Actor() domain.Principal {
	switch p := e.Payload.(type) {
	case Created:
		return p.Producer
	case CertificateSet:
		return p.Authority
	case StatusChanged:
		return p.Actor
	case Transferred:
		return p.From
	case RoleGranted:
		return p.Grantor
	case RoleRevoked:
		return p.Revoker
	default:
		return ""
	}
}

type eventJSON struct {
	Position  uint64          `json:"position"`
	LedgerID  string          `json:"ledger_id"`
	BatchSeq  uint64          `json:"batch_seq"`
	Timestamp time.Time       `json:"timestamp"`
	Ref       string          `json:"ref,omitempty"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("event has no payload")
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Kind(), err)
	}
	return json.Marshal(eventJSON{
		Position:  e.Position,
		LedgerID:  e.LedgerID,
		BatchSeq:  e.BatchSeq,
		Timestamp: e.Timestamp.UTC(),
		Ref:       e.Ref,
		Kind:      e.Kind(),
		Payload:   payload,
	})
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	payload, err := DecodePayload(raw.Kind, raw.Payload)
	if err != nil {
		return err
	}
	*e = Event{
		Position:  raw.Position,
		LedgerID:  raw.LedgerID,
		BatchSeq:  raw.BatchSeq,
		Timestamp: raw.Timestamp,
		Ref:       raw.Ref,
		Payload:   payload,
	}
	return nil
}

// DecodePayload decodes a payload of the given kind. Unknown kinds are an error.
func DecodePayload(kind Kind, data []byte) (Payload, error) {
	switch kind {
	case KindCreated:
		return decodeAs[Created](data)
	case KindCertificateSet:
		return decodeAs[CertificateSet](data)
	case KindStatusChanged:
		return decodeAs[StatusChanged](data)
	case KindTransferred:
		return decodeAs[Transferred](data)
	case KindRoleGranted:
		return decodeAs[RoleGranted](data)
	case KindRoleRevoked:
		return decodeAs[RoleRevoked](data)
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
}

func decodeAs[T Payload](data []byte) (Payload, error) {
	var p T
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", p.Kind(), err)
	}
	return p, nil
}
