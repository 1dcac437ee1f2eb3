package recordstore

import (
	"fmt"
	"log/slog"

	"github.com/lattice-io/txncore"
)

// AuthorityMode selects how a denied write is handled (§4.2.3).
type AuthorityMode int

const (
	// Permissive silently drops denied writes after logging.
	Permissive AuthorityMode = iota
	// Strict fails denied writes with ErrWriteAuthorityDenied.
	Strict
)

// authorityGate wraps a txncore.WriteAuthority with the exemption list and
// mode policy.
type authorityGate struct {
	authority txncore.WriteAuthority
	mode      AuthorityMode
	exempt    map[string]bool
}

func newAuthorityGate(authority txncore.WriteAuthority, mode AuthorityMode, exemptStores []string) *authorityGate {
	exempt := make(map[string]bool, len(exemptStores))
	for _, s := range exemptStores {
		exempt[s] = true
	}
	if authority == nil {
		authority = txncore.AlwaysAllow{}
	}
	return &authorityGate{authority: authority, mode: mode, exempt: exempt}
}

// allowed reports whether the write should proceed. When bypass is true
// (internal maintenance paths only: compensation logging, recovery sweeps)
// the gate is skipped entirely. When the check fails in strict mode the
// returned error is ErrWriteAuthorityDenied; in permissive mode the error is
// nil but ok is false so the caller can log-and-no-op.
func (g *authorityGate) allowed(store string, bypass bool) (ok bool, err error) {
	if bypass || g.exempt[store] {
		return true, nil
	}
	if g.authority.IsWriteAllowed(store) {
		return true, nil
	}
	if g.mode == Strict {
		return false, txncore.NewError(txncore.ErrWriteAuthorityDenied, nil, store)
	}
	slog.Warn(fmt.Sprintf("write authority denied for store %q, dropping write (permissive mode)", store))
	return false, nil
}
