// Package identity checks that the key a party is about to sign with belongs
// to the wallet address stored for that party.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrNoSigner means no signing key could be obtained at all. The
	// remediation is to connect a wallet, not to switch accounts.
	ErrNoSigner = errors.New("no signing key available; connect a wallet")
	// ErrNoStoredAddress means the party has no wallet address on record.
	ErrNoStoredAddress = errors.New("no wallet address on record")
)

// SigningContext is a handle to the key material the acting party controls.
type SigningContext interface {
	// Address resolves the address of the active signing key.
	Address(ctx context.Context) (string, error)
}

// Result is the outcome of a verification. A mismatch is a normal result,
// not an error.
type Result struct {
	Match    bool   `json:"match"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// Err converts a mismatch into a *MismatchError and a match into nil.
func (r Result) Err() error {
	if r.Match {
		return nil
	}
	return &MismatchError{Expected: r.Expected, Actual: r.Actual}
}

// MismatchError carries both addresses so the user can switch accounts.
type MismatchError struct {
	Expected string
	Actual   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("active signing key is %s but the address on record is %s; switch the active account", Short(e.Actual), Short(e.Expected))
}

// Verify compares the signing context's address with expected,
// case-insensitively.
func Verify(ctx context.Context, expected string, sc SigningContext) (Result, error) {
	expected = strings.TrimSpace(expected)
	if expected == "" {
		return Result{}, ErrNoStoredAddress
	}
	if sc == nil {
		return Result{Expected: expected}, ErrNoSigner
	}
	actual, err := sc.Address(ctx)
	if err != nil {
		if errors.Is(err, ErrNoSigner) {
			return Result{Expected: expected}, err
		}
		return Result{Expected: expected}, fmt.Errorf("%w: %w", ErrNoSigner, err)
	}
	actual = strings.TrimSpace(actual)
	if actual == "" {
		return Result{Expected: expected}, ErrNoSigner
	}
	return Result{Match: Equal(expected, actual), Expected: expected, Actual: actual}, nil
}

// Equal reports whether two addresses are the same, ignoring case.
func Equal(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	return a != "" && strings.EqualFold(a, b)
}

// IsHexAddress reports whether s is a 0x-prefixed 20-byte hex address.
func IsHexAddress(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(strings.ToLower(s), "0x") && common.IsHexAddress(s)
}

// Checksum returns the EIP-55 mixed-case form of a hex address. Anything
// that is not a hex address is returned unchanged.
func Checksum(addr string) string {
	addr = strings.TrimSpace(addr)
	if !IsHexAddress(addr) {
		return addr
	}
	return common.HexToAddress(addr).Hex()
}

// Short renders an address for display, e.g. 0xAbCd…1234.
func Short(addr string) string {
	addr = Checksum(addr)
	if len(addr) <= 12 {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-4:]
}
