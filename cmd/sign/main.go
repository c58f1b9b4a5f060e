// sign mints a bearer token for a user id, for poking the API with curl.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/spysignal/relay/internal/auth"
)

func main() {
	_ = godotenv.Load()

	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "HS256 secret (default $JWT_SECRET)")
	userID := flag.String("user", "", "User id the token is issued for")
	ttl := flag.Duration("ttl", time.Hour, "Token lifetime, 0 for no expiry")
	flag.Parse()

	if *secret == "" || *userID == "" {
		fmt.Fprintln(os.Stderr, "Usage: sign -user <id> [-secret <jwt-secret>] [-ttl 1h]")
		fmt.Fprintln(os.Stderr, "  Reads the secret from JWT_SECRET if -secret is not given")
		os.Exit(1)
	}

	id, err := strconv.ParseInt(*userID, 10, 64)
	if err != nil || id <= 0 {
		fmt.Fprintf(os.Stderr, "Invalid user id: %s\n", *userID)
		os.Exit(1)
	}

	token, err := auth.NewIssuer(*secret, *ttl, nil).Issue(id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to sign token: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Authorization: Bearer %s\n", token)
}
