package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"halalledger/internal/ledger/models"
	"halalledger/internal/ledger/service"
	"halalledger/internal/ledger/timeline"
	"halalledger/pkg/domain"
	dErrors "halalledger/pkg/domain-errors"
	"halalledger/pkg/platform/httputil"
)

func TestFetchAndRender(t *testing.T) {
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	report := &service.Verification{
		Batch: &models.Batch{
			ID:             "B1",
			ProductName:    "Raisins",
			Producer:       "0x70c7e3a1b9d0000000000000000000000a1b2f4a",
			CurrentOwner:   "0x70c7e3a1b9d0000000000000000000000a1b2f4a",
			Status:         "Produced",
			CertificateRef: "HC-1",
			Version:        2,
		},
		HalalCertified: true,
		Timeline: []timeline.Entry{
			{Position: 2, Kind: models.KindCreated, ActorDisplay: "0x70c7...2f4a", Description: "Batch created: Raisins", Timestamp: at},
			{Position: 3, Kind: models.KindCertificateSet, ActorDisplay: "0xa117...cafe", Description: "Halal certificate recorded: HC-1", Timestamp: at},
		},
		Head: 3,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/batches/B1/verify":
			httputil.WriteJSON(w, http.StatusOK, report)
		default:
			httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "batch not found"))
		}
	}))
	defer srv.Close()

	t.Run("renders the report", func(t *testing.T) {
		v, err := fetch(context.Background(), srv.Client(), srv.URL+"/", "B1")
		require.NoError(t, err)
		assert.Equal(t, domain.BatchID("B1"), v.Batch.ID)

		var out bytes.Buffer
		render(&out, v)
		assert.Contains(t, out.String(), "Halal certified: YES (HC-1)")
		assert.Contains(t, out.String(), "Batch created: Raisins")
		assert.Contains(t, out.String(), "Producer:        0x70c7...2f4a")
	})

	t.Run("surfaces API errors", func(t *testing.T) {
		_, err := fetch(context.Background(), srv.Client(), srv.URL, "B9")
		require.Error(t, err)
		assert.Equal(t, "not_found: batch not found", err.Error())
	})
}
