// Command token issues a bearer token for a principal, signed with the server's
// JWT_SIGNING_KEY. Intended for development and operator scripts.
//
//	token -ttl 1h 0x70c7...
package main

import (
	"flag"
	"fmt"
	"os"

	"halalledger/internal/platform/config"
	"halalledger/internal/platform/jwttoken"
	"halalledger/pkg/domain"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	ttl := flag.Duration("ttl", cfg.Auth.TokenTTL, "token lifetime")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: token [-ttl 1h] PRINCIPAL")
		os.Exit(2)
	}
	principal, err := domain.ParsePrincipal(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "token: %v\n", err)
		os.Exit(2)
	}

	token, err := jwttoken.NewService(cfg.Auth.JWTSigningKey, cfg.Auth.JWTIssuer).Issue(principal, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
