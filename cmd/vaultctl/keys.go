package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"vaultchain/cmd/internal/passphrase"
	"vaultchain/crypto"
	"vaultchain/services/vaultd/middleware"
)

// passphraseFor is swapped in tests.
var passphraseFor = func() (string, error) {
	return passphrase.NewSource(passphraseEnv, "operator keystore").Get()
}

func runKeygenCommand(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	keystorePath := fs.String("keystore", "", "path of the keystore file to create")
	force := fs.Bool("force", false, "overwrite an existing keystore")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(*keystorePath) == "" {
		fmt.Fprintln(stderr, "Error: -keystore is required")
		return 1
	}
	if _, err := os.Stat(*keystorePath); err == nil && !*force {
		fmt.Fprintf(stderr, "Error: %s already exists (use -force to overwrite)\n", *keystorePath)
		return 1
	}
	pass, err := passphraseFor()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		fmt.Fprintf(stderr, "Error: generate key: %v\n", err)
		return 1
	}
	if err := crypto.SaveToKeystore(*keystorePath, key, pass); err != nil {
		fmt.Fprintf(stderr, "Error: save keystore: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, key.PubKey().Address().String())
	return 0
}

func runAddressCommand(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("address", flag.ContinueOnError)
	fs.SetOutput(stderr)
	keystorePath := fs.String("keystore", "", "path of the keystore file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	addr, err := keystoreAddress(*keystorePath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, addr.String())
	return 0
}

func runTokenCommand(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		keystorePath string
		subject      string
		scopes       string
		issuer       string
		audience     string
		ttl          time.Duration
	)
	fs.StringVar(&keystorePath, "keystore", "", "derive the subject from this keystore")
	fs.StringVar(&subject, "subject", "", "subject address (alternative to -keystore)")
	fs.StringVar(&scopes, "scopes", "", "comma separated scopes (e.g. admin)")
	fs.StringVar(&issuer, "issuer", "", "token issuer claim")
	fs.StringVar(&audience, "audience", "", "token audience claim")
	fs.DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if ttl <= 0 {
		fmt.Fprintln(stderr, "Error: -ttl must be positive")
		return 1
	}
	secret := strings.TrimSpace(os.Getenv(secretEnv))
	if secret == "" {
		fmt.Fprintf(stderr, "Error: %s must be set\n", secretEnv)
		return 1
	}

	var (
		addr crypto.Address
		err  error
	)
	switch {
	case strings.TrimSpace(subject) != "" && strings.TrimSpace(keystorePath) != "":
		fmt.Fprintln(stderr, "Error: -subject and -keystore are mutually exclusive")
		return 1
	case strings.TrimSpace(subject) != "":
		addr, err = crypto.DecodeAddress(strings.TrimSpace(subject))
	default:
		addr, err = keystoreAddress(keystorePath)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	token, err := middleware.IssueToken(secret, addr, splitScopes(scopes), issuer, audience, ttl, time.Now())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, token)
	return 0
}

func keystoreAddress(path string) (crypto.Address, error) {
	if strings.TrimSpace(path) == "" {
		return crypto.Address{}, errors.New("-keystore is required")
	}
	pass, err := passphraseFor()
	if err != nil {
		return crypto.Address{}, err
	}
	key, err := crypto.LoadFromKeystore(path, pass)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("open keystore: %w", err)
	}
	return key.PubKey().Address(), nil
}

func splitScopes(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
