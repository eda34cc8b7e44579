// Package policy holds the externally configured stage rules: which recipient roles may
// receive custody from which sender roles, the status vocabulary and value limits.
package policy

import (
	"fmt"
	"os"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"halalledger/internal/ledger/models"
	dErrors "halalledger/pkg/domain-errors"
)

const (
	DefaultInitialStatus           = "Produced"
	DefaultMaxCertificateRefLength = 256
	maxStatusLength                = 64
)

// TransferRule permits custody to move from a holder of From to a holder of To.
type TransferRule struct {
	From models.Role `yaml:"from"`
	To   models.Role `yaml:"to"`
}

// Policy is immutable after Validate; share it freely.
type Policy struct {
	InitialStatus           string         `yaml:"initial_status"`
	Statuses                []string       `yaml:"statuses"`
	Transfers               []TransferRule `yaml:"transfers"`
	MaxCertificateRefLength int            `yaml:"max_certificate_ref_length"`

	vocabulary map[string]bool
}

// Default is the producer → distributor → retailer chain with an open status vocabulary.
func Default() *Policy {
	p := &Policy{
		InitialStatus: DefaultInitialStatus,
		Transfers: []TransferRule{
			{From: models.RoleProducer, To: models.RoleDistributor},
			{From: models.RoleDistributor, To: models.RoleRetailer},
		},
		MaxCertificateRefLength: DefaultMaxCertificateRefLength,
	}
	if err := p.Validate(); err != nil {
		panic(err)
	}
	return p
}

// Load reads a YAML policy file. An empty path yields Default.
func Load(path string) (*Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stage policy: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML policy document.
func Parse(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode stage policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate fills defaults, trims status labels and checks every rule names a known role.
func (p *Policy) Validate() error {
	p.InitialStatus = strings.TrimSpace(p.InitialStatus)
	if p.InitialStatus == "" {
		p.InitialStatus = DefaultInitialStatus
	}
	if err := checkLabel(p.InitialStatus, maxStatusLength); err != nil {
		return fmt.Errorf("initial status: %w", err)
	}
	if p.MaxCertificateRefLength <= 0 {
		p.MaxCertificateRefLength = DefaultMaxCertificateRefLength
	}
	if len(p.Transfers) == 0 {
		return fmt.Errorf("stage policy must define at least one transfer rule")
	}
	for i, rule := range p.Transfers {
		from, err := models.ParseRole(string(rule.From))
		if err != nil {
			return fmt.Errorf("transfer rule %d: %w", i, err)
		}
		to, err := models.ParseRole(string(rule.To))
		if err != nil {
			return fmt.Errorf("transfer rule %d: %w", i, err)
		}
		p.Transfers[i] = TransferRule{From: from, To: to}
	}
	p.vocabulary = nil
	if len(p.Statuses) > 0 {
		p.vocabulary = make(map[string]bool, len(p.Statuses))
		for i, s := range p.Statuses {
			s = strings.TrimSpace(s)
			if err := checkLabel(s, maxStatusLength); err != nil {
				return fmt.Errorf("status %d: %w", i, err)
			}
			p.Statuses[i] = s
			p.vocabulary[s] = true
		}
		if !p.vocabulary[p.InitialStatus] {
			return fmt.Errorf("initial status %q is not in the status vocabulary", p.InitialStatus)
		}
	}
	return nil
}

// CanTransfer reports whether any rule pairs a sender role with a recipient role.
func (p *Policy) CanTransfer(sender, recipient models.RoleSet) bool {
	for _, rule := range p.Transfers {
		if sender.Has(rule.From) && recipient.Has(rule.To) {
			return true
		}
	}
	return false
}

// RecipientRolesFor lists the recipient roles a sender holding roles may hand custody to.
func (p *Policy) RecipientRolesFor(sender models.RoleSet) []models.Role {
	seen := models.RoleSet{}
	for _, rule := range p.Transfers {
		if sender.Has(rule.From) {
			seen[rule.To] = struct{}{}
		}
	}
	return seen.Sorted()
}

// CheckStatus rejects malformed labels and, when a vocabulary is configured, unknown ones.
// Labels are compared exactly, so surrounding whitespace is malformed.
func (p *Policy) CheckStatus(status string) error {
	if err := checkLabel(status, maxStatusLength); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInvalidTransition, "malformed status")
	}
	if status != strings.TrimSpace(status) {
		return dErrors.New(dErrors.CodeInvalidTransition, "malformed status: surrounding whitespace")
	}
	if p.vocabulary != nil && !p.vocabulary[status] {
		return dErrors.Newf(dErrors.CodeInvalidTransition, "status %q is not in the configured vocabulary", status)
	}
	return nil
}

// CheckCertificateRef rejects empty, oversized or non-printable references.
func (p *Policy) CheckCertificateRef(ref string) error {
	if err := checkLabel(ref, p.MaxCertificateRefLength); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInvalidTransition, "malformed certificate reference")
	}
	return nil
}

func checkLabel(s string, max int) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("value cannot be empty")
	}
	if len(s) > max {
		return fmt.Errorf("value must be %d characters or less", max)
	}
	for _, r := range s {
		if !unicode.IsPrint(r) {
			return fmt.Errorf("value contains non-printable characters")
		}
	}
	return nil
}
