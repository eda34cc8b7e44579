// Command verify prints the verification report of a batch, as a consumer scanning a
// product would see it.
//
//	verify -addr http://localhost:8080 B1
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"halalledger/internal/ledger/service"
	"halalledger/pkg/platform/httputil"
)

func main() {
	addr := flag.String("addr", envOr("LEDGER_URL", "http://localhost:8080"), "ledger API base URL")
	timeout := flag.Duration("timeout", 10*time.Second, "request timeout")
	asJSON := flag.Bool("json", false, "print the raw JSON report")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: verify [-addr URL] [-json] BATCH_ID")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	v, err := fetch(ctx, http.DefaultClient, *addr, flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "verify: %v\n", err)
		os.Exit(1)
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(v)
		return
	}
	render(os.Stdout, v)
}

func fetch(ctx context.Context, client *http.Client, base, batchID string) (*service.Verification, error) {
	endpoint := strings.TrimRight(base, "/") + "/v1/batches/" + url.PathEscape(batchID) + "/verify"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e httputil.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			return nil, fmt.Errorf("ledger returned %s", resp.Status)
		}
		if e.ErrorDescription != "" {
			return nil, fmt.Errorf("%s: %s", e.Error, e.ErrorDescription)
		}
		return nil, fmt.Errorf("%s", e.Error)
	}

	var v service.Verification
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	if v.Batch == nil {
		return nil, fmt.Errorf("report has no batch")
	}
	return &v, nil
}

func render(w io.Writer, v *service.Verification) {
	b := v.Batch
	certified := "NO"
	if v.HalalCertified {
		certified = "YES (" + b.CertificateRef + ")"
	}
	fmt.Fprintf(w, "Batch:           %s\n", b.ID)
	fmt.Fprintf(w, "Product:         %s\n", b.ProductName)
	fmt.Fprintf(w, "Producer:        %s\n", b.Producer.Short())
	fmt.Fprintf(w, "Current owner:   %s\n", b.CurrentOwner.Short())
	fmt.Fprintf(w, "Status:          %s\n", b.Status)
	fmt.Fprintf(w, "Halal certified: %s\n", certified)
	fmt.Fprintf(w, "Ledger head:     %d\n", v.Head)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "History:")
	for _, e := range v.Timeline {
		fmt.Fprintf(w, "  #%-6d %s  %-14s %s\n",
			e.Position, e.Timestamp.UTC().Format(time.RFC3339), e.ActorDisplay, e.Description)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
