// genkey prints a fresh JWT_SECRET for the relay.
package main

import (
	"fmt"
	"os"

	"github.com/spysignal/relay/internal/auth"
)

func main() {
	secret, err := auth.RandomSecret()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate secret: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("JWT_SECRET=%s\n", secret)
}
