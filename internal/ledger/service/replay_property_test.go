package service

import (
	"context"
	"fmt"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"halalledger/internal/ledger/backend/memory"
	"halalledger/internal/ledger/models"
	"halalledger/internal/ledger/policy"
	"halalledger/pkg/domain"
)

var (
	propertyPrincipals = []domain.Principal{admin, producer, authority, distributor, retailer, stranger}
	propertyBatches    = []domain.BatchID{"B1", "B2", "B3"}
	propertyStatuses   = []string{"Packed", "Shipped", "Received"}
)

// runOp interprets n as one action. Most draws are rejected by authorization or
// validation; rejections are part of the property since they must leave no trace.
func runOp(ctx context.Context, svc *Service, n int) {
	actor := propertyPrincipals[(n/7)%len(propertyPrincipals)]
	other := propertyPrincipals[(n/11)%len(propertyPrincipals)]
	id := propertyBatches[(n/13)%len(propertyBatches)]

	switch n % 7 {
	case 0:
		_, _ = svc.CreateBatch(ctx, CreateBatchCommand{Actor: actor, BatchID: id, ProductName: "Raisins"})
	case 1:
		_, _ = svc.SetCertificate(ctx, SetCertificateCommand{Actor: actor, BatchID: id, CertRef: fmt.Sprintf("CERT-%d", n)})
	case 2:
		_, _ = svc.UpdateStatus(ctx, UpdateStatusCommand{Actor: actor, BatchID: id, Status: propertyStatuses[n%len(propertyStatuses)]})
	case 3, 4:
		_, _ = svc.TransferBatch(ctx, TransferBatchCommand{Actor: actor, BatchID: id, To: other})
	case 5:
		_, _ = svc.GrantRole(ctx, RoleCommand{Actor: admin, Principal: other, Role: models.AllRoles[n%len(models.AllRoles)]})
	case 6:
		_, _ = svc.RevokeRole(ctx, RoleCommand{Actor: admin, Principal: other, Role: models.AllRoles[1+n%(len(models.AllRoles)-1)]})
	}
}

type snapshot struct {
	Head     uint64
	Batches  []*models.Batch
	Roles    map[domain.Principal][]models.Role
	ByOwner  map[domain.Principal][]domain.BatchID
	ByStatus map[string][]domain.BatchID
}

func takeSnapshot(ctx context.Context, svc *Service) snapshot {
	snap := snapshot{
		Head:     svc.Head(),
		Batches:  svc.GetMany(ctx, svc.ListBatchIDs(ctx, 0, 0)),
		Roles:    make(map[domain.Principal][]models.Role),
		ByOwner:  make(map[domain.Principal][]domain.BatchID),
		ByStatus: make(map[string][]domain.BatchID),
	}
	for _, p := range propertyPrincipals {
		snap.Roles[p] = svc.Roles(ctx, p)
		snap.ByOwner[p] = svc.ListByOwner(ctx, p, 0, 0)
	}
	for _, st := range append([]string{policy.DefaultInitialStatus}, propertyStatuses...) {
		snap.ByStatus[st] = svc.ListByStatus(ctx, st, 0, 0)
	}
	return snap
}

// Replaying the log into a fresh service reproduces the live state exactly.
func TestReplayDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("rebuild reproduces live projection, indices and roles", prop.ForAll(
		func(ops []int) bool {
			ctx := context.Background()
			b := memory.New("property", memory.WithMaxRange(3))
			live := New(b, policy.Default())
			if _, err := live.Bootstrap(ctx, admin); err != nil {
				return false
			}
			_, _ = live.GrantRole(ctx, RoleCommand{Actor: admin, Principal: producer, Role: models.RoleProducer})
			for _, n := range ops {
				runOp(ctx, live, n)
			}

			replayed := New(b, policy.Default())
			if err := replayed.Rebuild(ctx); err != nil {
				return false
			}
			// A second rebuild of the same service must land on the same state too.
			if err := replayed.Rebuild(ctx); err != nil {
				return false
			}
			return reflect.DeepEqual(takeSnapshot(ctx, live), takeSnapshot(ctx, replayed))
		},
		gen.SliceOfN(60, gen.IntRange(0, 10_000)),
	))

	properties.TestingRun(t)
}
