// Command operator_token mints a bearer token for the operator API.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/noah-isme/payment-orchestrator/internal/auth"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	subject := flag.String("sub", "", "operator identity recorded in logs")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	if *subject == "" {
		log.Fatal("-sub is required")
	}
	issuer := os.Getenv("OPERATOR_JWT_ISSUER")
	if issuer == "" {
		issuer = "payment-orchestrator"
	}
	verifier, err := auth.NewVerifier(os.Getenv("OPERATOR_JWT_SECRET"), issuer, 0)
	if err != nil {
		log.Fatalf("OPERATOR_JWT_SECRET: %v", err)
	}
	token, err := verifier.Sign(*subject, *ttl)
	if err != nil {
		log.Fatalf("sign token: %v", err)
	}
	fmt.Println(token)
}
