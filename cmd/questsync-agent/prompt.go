package main

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// promptToken reads the identity token from the terminal without
// echoing it. Fails when stdin is not a terminal; piped setups must use
// the token file or environment variable instead.
func promptToken() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no identity token: set QUESTSYNC_TOKEN or use -token-file")
	}

	fmt.Fprint(os.Stderr, "Identity token: ")
	token, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading token: %w", err)
	}
	if len(token) == 0 {
		return "", fmt.Errorf("empty token")
	}
	return string(token), nil
}
