package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// assetArgs splits a leading asset argument from the flags that follow it.
func assetArgs(name string, args []string, stderr io.Writer) (string, []string, bool) {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") || strings.TrimSpace(args[0]) == "" {
		fmt.Fprintf(stderr, "Usage: vaultctl %s <asset> [flags]\n", name)
		return "", nil, false
	}
	return args[0], args[1:], true
}

type txFlags struct {
	token string
	key   string
}

func (t *txFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&t.token, "token", "", "bearer token (defaults to "+tokenEnv+")")
	fs.StringVar(&t.key, "idempotency-key", "", "idempotency key (generated when empty)")
}

func finish(stdout, stderr io.Writer, result []byte, err error) int {
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	writeResult(stdout, result)
	return 0
}

func runAssetsCommand(args []string, stdout, stderr io.Writer) int {
	path := "/v1/assets"
	switch len(args) {
	case 0:
	case 1:
		path = assetPath(args[0], "")
	default:
		fmt.Fprintln(stderr, "Usage: vaultctl assets [asset]")
		return 1
	}
	result, err := callAPI(request{method: http.MethodGet, path: path})
	return finish(stdout, stderr, result, err)
}

func runAccountCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) != 2 {
		fmt.Fprintln(stderr, "Usage: vaultctl account <asset> <address>")
		return 1
	}
	result, err := callAPI(request{
		method: http.MethodGet,
		path:   assetPath(args[0], "/accounts/"+url.PathEscape(strings.TrimSpace(args[1]))),
	})
	return finish(stdout, stderr, result, err)
}

func runHistoryCommand(args []string, stdout, stderr io.Writer) int {
	asset, rest, ok := assetArgs("history", args, stderr)
	if !ok {
		return 1
	}
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(stderr)
	account := fs.String("account", "", "only list operations touching this account")
	limit := fs.Int("limit", 0, "maximum number of rows")
	if err := fs.Parse(rest); err != nil {
		return 1
	}
	query := url.Values{}
	if *account != "" {
		query.Set("account", *account)
	}
	if *limit > 0 {
		query.Set("limit", strconv.Itoa(*limit))
	}
	result, err := callAPI(request{method: http.MethodGet, path: assetPath(asset, "/history"), query: query})
	return finish(stdout, stderr, result, err)
}

func runDepositCommand(args []string, stdout, stderr io.Writer) int {
	asset, rest, ok := assetArgs("deposit", args, stderr)
	if !ok {
		return 1
	}
	fs := flag.NewFlagSet("deposit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		tx        txFlags
		amount    string
		recipient string
		minOut    string
		referral  string
	)
	tx.register(fs)
	fs.StringVar(&amount, "amount", "", "underlying amount in base units (supports 100e6 shorthand)")
	fs.StringVar(&recipient, "recipient", "", "credit the minted tokens to this address")
	fs.StringVar(&minOut, "min-out", "", "minimum tokens to receive")
	fs.StringVar(&referral, "referral", "", "referral code")
	if err := fs.Parse(rest); err != nil {
		return 1
	}
	if strings.TrimSpace(amount) == "" {
		fmt.Fprintln(stderr, "Error: -amount is required")
		return 1
	}
	body := map[string]string{"amount": amount}
	setIf(body, "recipient", recipient)
	setIf(body, "minOut", minOut)
	setIf(body, "referral", referral)
	result, err := callAPI(request{
		method:         http.MethodPost,
		path:           assetPath(asset, "/deposit"),
		body:           body,
		token:          tx.token,
		idempotencyKey: tx.key,
	})
	return finish(stdout, stderr, result, err)
}

func runWithdrawCommand(args []string, stdout, stderr io.Writer) int {
	asset, rest, ok := assetArgs("withdraw", args, stderr)
	if !ok {
		return 1
	}
	fs := flag.NewFlagSet("withdraw", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		tx        txFlags
		amount    string
		owner     string
		recipient string
		minOut    string
	)
	tx.register(fs)
	fs.StringVar(&amount, "amount", "", "token amount to burn")
	fs.StringVar(&owner, "owner", "", "burn from this owner using an allowance")
	fs.StringVar(&recipient, "recipient", "", "send the underlying to this address")
	fs.StringVar(&minOut, "min-out", "", "minimum underlying to receive")
	if err := fs.Parse(rest); err != nil {
		return 1
	}
	if strings.TrimSpace(amount) == "" {
		fmt.Fprintln(stderr, "Error: -amount is required")
		return 1
	}
	body := map[string]string{"amount": amount}
	setIf(body, "owner", owner)
	setIf(body, "recipient", recipient)
	setIf(body, "minOut", minOut)
	result, err := callAPI(request{
		method:         http.MethodPost,
		path:           assetPath(asset, "/withdraw"),
		body:           body,
		token:          tx.token,
		idempotencyKey: tx.key,
	})
	return finish(stdout, stderr, result, err)
}

func runRebaseCommand(args []string, stdout, stderr io.Writer) int {
	asset, rest, ok := assetArgs("rebase", args, stderr)
	if !ok {
		return 1
	}
	fs := flag.NewFlagSet("rebase", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var tx txFlags
	tx.register(fs)
	if err := fs.Parse(rest); err != nil {
		return 1
	}
	result, err := callAPI(request{
		method:         http.MethodPost,
		path:           assetPath(asset, "/rebase"),
		token:          tx.token,
		idempotencyKey: tx.key,
	})
	return finish(stdout, stderr, result, err)
}

func runMigrateCommand(args []string, stdout, stderr io.Writer) int {
	asset, rest, ok := assetArgs("migrate", args, stderr)
	if !ok {
		return 1
	}
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		tx   txFlags
		from string
		to   string
	)
	tx.register(fs)
	fs.StringVar(&from, "from", "", "source backend (defaults to the active backend)")
	fs.StringVar(&to, "to", "", "destination backend")
	if err := fs.Parse(rest); err != nil {
		return 1
	}
	if strings.TrimSpace(to) == "" {
		fmt.Fprintln(stderr, "Error: -to is required")
		return 1
	}
	body := map[string]string{"to": to}
	setIf(body, "from", from)
	result, err := callAPI(request{
		method:         http.MethodPost,
		path:           adminAssetPath(asset, "/migrate"),
		body:           body,
		token:          tx.token,
		idempotencyKey: tx.key,
	})
	return finish(stdout, stderr, result, err)
}

func runPauseCommand(args []string, stdout, stderr io.Writer, paused bool) int {
	name := "pause"
	if !paused {
		name = "unpause"
	}
	asset, rest, ok := assetArgs(name, args, stderr)
	if !ok {
		return 1
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	var tx txFlags
	tx.register(fs)
	if err := fs.Parse(rest); err != nil {
		return 1
	}
	result, err := callAPI(request{
		method:         http.MethodPost,
		path:           adminAssetPath(asset, "/pause"),
		body:           map[string]bool{"paused": paused},
		token:          tx.token,
		idempotencyKey: tx.key,
	})
	return finish(stdout, stderr, result, err)
}

func runReportCommand(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var tx txFlags
	tx.register(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	result, err := callAPI(request{
		method:         http.MethodPost,
		path:           "/admin/reports/yield",
		token:          tx.token,
		idempotencyKey: tx.key,
	})
	return finish(stdout, stderr, result, err)
}

func setIf(body map[string]string, key, value string) {
	if value = strings.TrimSpace(value); value != "" {
		body[key] = value
	}
}
