package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"vaultchain/config"
	coreerrors "vaultchain/core/errors"
	"vaultchain/crypto"
	"vaultchain/observability"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && !errors.Is(err, coreerrors.ErrPaused) {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  observability.ErrorKind(err),
	})
}

// statusFor maps the error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, errSequencerStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, coreerrors.ErrUnknownAsset):
		return http.StatusNotFound
	case errors.Is(err, coreerrors.ErrPaused), errors.Is(err, coreerrors.ErrStrategyUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, coreerrors.ErrInput):
		return http.StatusBadRequest
	case errors.Is(err, coreerrors.ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, coreerrors.ErrSlippage),
		errors.Is(err, coreerrors.ErrLiquidity),
		errors.Is(err, coreerrors.ErrState):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func inputError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", coreerrors.ErrInput, fmt.Sprintf(format, args...))
}

func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return inputError("invalid payload: %v", err)
	}
	return nil
}

func parseAmount(field, raw string) (*big.Int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, inputError("%s required", field)
	}
	v, err := config.ParseAmount(raw)
	if err != nil {
		return nil, inputError("%s: %v", field, err)
	}
	return v, nil
}

// parseOptionalAmount returns nil for an empty value.
func parseOptionalAmount(field, raw string) (*big.Int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	return parseAmount(field, raw)
}

func parseAddress(field, raw string) (crypto.Address, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(raw))
	if err != nil {
		return crypto.Address{}, inputError("%s: %v", field, err)
	}
	return addr, nil
}

// parseOptionalAddress falls back to def for an empty value.
func parseOptionalAddress(field, raw string, def crypto.Address) (crypto.Address, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	return parseAddress(field, raw)
}

func parseLimit(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return n
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
