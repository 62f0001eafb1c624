/*
Diagnostics token generator for the multi-camera HAL dispatch service.

Mints bearer tokens with the same secret and algorithm as the diagnostics
server so developer tooling can authenticate against /sessions, /pipelines
and /ws.

Usage:

	go run main.go --subject bringup-laptop --ttl 48h --secret-key "$DIAG_JWT_SECRET"
	go run main.go --subject ci --ttl 1h --secret-key "custom-secret" --format json
*/
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/camerarecorder/multicam-hal/internal/diag"
	"github.com/camerarecorder/multicam-hal/internal/logging"
)

var (
	subject      = flag.String("subject", "diag-client", "Token subject (identifies the tool holding it)")
	ttl          = flag.Duration("ttl", 48*time.Hour, "Token lifetime")
	secretKey    = flag.String("secret-key", "", "Diagnostics JWT secret (must match diag.jwt_secret in the service config)")
	outputFormat = flag.String("format", "token", "Output format: token, json")
)

func main() {
	flag.Parse()

	if *secretKey == "" {
		fmt.Fprintln(os.Stderr, "Error: --secret-key is required")
		os.Exit(1)
	}
	if *ttl <= 0 {
		fmt.Fprintln(os.Stderr, "Error: --ttl must be positive")
		os.Exit(1)
	}

	validator, err := diag.NewTokenValidator(*secretKey, logging.GetLogger("diag-token"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to create token validator: %v\n", err)
		os.Exit(1)
	}

	token, err := validator.IssueToken(*subject, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to issue token: %v\n", err)
		os.Exit(1)
	}

	switch *outputFormat {
	case "json":
		expiresAt := time.Now().Add(*ttl)
		fmt.Printf(`{
  "token": %q,
  "subject": %q,
  "expires_at": %q,
  "algorithm": "HS256"
}
`, token, *subject, expiresAt.Format(time.RFC3339))
	default:
		fmt.Println(token)
	}
}
