// Command hash-token derives the operator token hash the server expects in
// RELAYTV_ADMIN_TOKEN_HASH.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"relaytv/internal/api"
)

func main() {
	var token string
	flag.StringVar(&token, "token", "", "Operator bearer token to hash")
	flag.Parse()

	token = strings.TrimSpace(token)
	if token == "" {
		fatalf("--token is required")
	}
	if len(token) < 16 {
		fatalf("--token must be at least 16 characters")
	}

	hash, err := api.HashToken(token)
	if err != nil {
		fatalf("hash token: %v", err)
	}

	fmt.Println(hash)
	fmt.Fprintln(os.Stderr, "Set RELAYTV_ADMIN_TOKEN_HASH to the value above and keep the plain token secret.")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
