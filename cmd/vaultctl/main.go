package main

import (
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	endpointEnv   = "VAULTCTL_ENDPOINT"
	tokenEnv      = "VAULTCTL_TOKEN"
	secretEnv     = "VAULTCTL_HMAC_SECRET"
	passphraseEnv = "VAULTCTL_KEYSTORE_PASSPHRASE"
)

var apiEndpoint = "http://localhost:7080"

func main() {
	if value := strings.TrimSpace(os.Getenv(endpointEnv)); value != "" {
		apiEndpoint = value
	}
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stderr)
		return 1
	}
	switch strings.ToLower(args[0]) {
	case "keygen":
		return runKeygenCommand(args[1:], stdout, stderr)
	case "address":
		return runAddressCommand(args[1:], stdout, stderr)
	case "token":
		return runTokenCommand(args[1:], stdout, stderr)
	case "assets":
		return runAssetsCommand(args[1:], stdout, stderr)
	case "account":
		return runAccountCommand(args[1:], stdout, stderr)
	case "history":
		return runHistoryCommand(args[1:], stdout, stderr)
	case "deposit":
		return runDepositCommand(args[1:], stdout, stderr)
	case "withdraw":
		return runWithdrawCommand(args[1:], stdout, stderr)
	case "rebase":
		return runRebaseCommand(args[1:], stdout, stderr)
	case "migrate":
		return runMigrateCommand(args[1:], stdout, stderr)
	case "pause":
		return runPauseCommand(args[1:], stdout, stderr, true)
	case "unpause":
		return runPauseCommand(args[1:], stdout, stderr, false)
	case "report":
		return runReportCommand(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command %q\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: vaultctl <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Keys:")
	fmt.Fprintln(w, "  keygen   -keystore <path>                    create an encrypted operator key")
	fmt.Fprintln(w, "  address  -keystore <path>                    print the address held by a keystore")
	fmt.Fprintln(w, "  token    -keystore <path>|-subject <addr>    mint a bearer token (needs "+secretEnv+")")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Queries:")
	fmt.Fprintln(w, "  assets   [asset]                             list assets or show one")
	fmt.Fprintln(w, "  account  <asset> <address>                   show an account balance")
	fmt.Fprintln(w, "  history  <asset> [-account addr] [-limit n]  list recorded operations")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Transactions (need "+tokenEnv+" or -token):")
	fmt.Fprintln(w, "  deposit  <asset> -amount n [-recipient addr] [-min-out n] [-referral code]")
	fmt.Fprintln(w, "  withdraw <asset> -amount n [-owner addr] [-recipient addr] [-min-out n]")
	fmt.Fprintln(w, "  rebase   <asset>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Admin:")
	fmt.Fprintln(w, "  migrate  <asset> -to backend [-from backend]")
	fmt.Fprintln(w, "  pause    <asset>")
	fmt.Fprintln(w, "  unpause  <asset>")
	fmt.Fprintln(w, "  report                                       write a yield report on the server")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "The API endpoint defaults to "+apiEndpoint+" and can be set with "+endpointEnv+".")
}
