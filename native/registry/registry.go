package registry

import (
	"errors"

	"github.com/rcnfinance/rcn-network-sub002/crypto"
)

var (
	errNilState        = errors.New("registry: state not configured")
	ErrUnknownToken    = errors.New("registry: token does not exist")
	ErrAlreadyMinted   = errors.New("registry: token already minted")
	ErrZeroOwner       = errors.New("registry: owner is the null identity")
	ErrNotAuthorized   = errors.New("registry: caller is not owner nor approved")
	ErrWrongFromOwner  = errors.New("registry: from is not the current owner")
	ErrIndexOutOfRange = errors.New("registry: index out of range")
)

// State is the persistence slice backing one ownership ledger. Implementations
// keep a stable global mint order for enumeration.
type State interface {
	RegistryOwner(name string, id [32]byte) (crypto.Address, bool, error)
	RegistrySetOwner(name string, id [32]byte, owner crypto.Address) error
	RegistryApproved(name string, id [32]byte) (crypto.Address, bool, error)
	RegistrySetApproved(name string, id [32]byte, spender crypto.Address) error
	RegistryList(name string) ([][32]byte, error)
	RegistryAppend(name string, id [32]byte) error
}

// Ledger is a transferable-ownership table with single-spender approval
// delegation, used to track who owns a debt or a collateral entry. It is the
// in-process equivalent of the non-fungible ownership registry the settlement
// protocol consumes.
type Ledger struct {
	name  string
	state State
}

// NewLedger scopes a ledger over the shared state under the given table name.
func NewLedger(name string, state State) *Ledger {
	return &Ledger{name: name, state: state}
}

// Mint records first ownership of id. Minting an existing id fails.
func (l *Ledger) Mint(owner crypto.Address, id [32]byte) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	if owner.IsZero() {
		return ErrZeroOwner
	}
	if _, ok, err := l.state.RegistryOwner(l.name, id); err != nil {
		return err
	} else if ok {
		return ErrAlreadyMinted
	}
	if err := l.state.RegistrySetOwner(l.name, id, owner); err != nil {
		return err
	}
	return l.state.RegistryAppend(l.name, id)
}

// OwnerOf resolves the current owner of id.
func (l *Ledger) OwnerOf(id [32]byte) (crypto.Address, error) {
	if l == nil || l.state == nil {
		return crypto.Address{}, errNilState
	}
	owner, ok, err := l.state.RegistryOwner(l.name, id)
	if err != nil {
		return crypto.Address{}, err
	}
	if !ok {
		return crypto.Address{}, ErrUnknownToken
	}
	return owner, nil
}

// Approve delegates transfer rights for id to a single spender. Only the
// current owner may approve; the zero spender clears the delegation.
func (l *Ledger) Approve(caller, spender crypto.Address, id [32]byte) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	owner, err := l.OwnerOf(id)
	if err != nil {
		return err
	}
	if owner != caller {
		return ErrNotAuthorized
	}
	return l.state.RegistrySetApproved(l.name, id, spender)
}

// IsApprovedOrOwner reports whether caller may act on id.
func (l *Ledger) IsApprovedOrOwner(caller crypto.Address, id [32]byte) (bool, error) {
	if l == nil || l.state == nil {
		return false, errNilState
	}
	owner, ok, err := l.state.RegistryOwner(l.name, id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrUnknownToken
	}
	if owner == caller {
		return true, nil
	}
	approved, ok, err := l.state.RegistryApproved(l.name, id)
	if err != nil {
		return false, err
	}
	return ok && approved == caller, nil
}

// Transfer moves id from its current owner to a new one. The caller must be
// the owner or the approved spender; the approval is consumed on transfer.
func (l *Ledger) Transfer(caller, from, to crypto.Address, id [32]byte) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	if to.IsZero() {
		return ErrZeroOwner
	}
	owner, err := l.OwnerOf(id)
	if err != nil {
		return err
	}
	if owner != from {
		return ErrWrongFromOwner
	}
	allowed, err := l.IsApprovedOrOwner(caller, id)
	if err != nil {
		return err
	}
	if !allowed {
		return ErrNotAuthorized
	}
	if err := l.state.RegistrySetApproved(l.name, id, crypto.ZeroAddress); err != nil {
		return err
	}
	return l.state.RegistrySetOwner(l.name, id, to)
}

// TokensOfOwner lists ids held by owner in global mint order.
func (l *Ledger) TokensOfOwner(owner crypto.Address) ([][32]byte, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	all, err := l.state.RegistryList(l.name)
	if err != nil {
		return nil, err
	}
	out := make([][32]byte, 0, len(all))
	for _, id := range all {
		holder, ok, err := l.state.RegistryOwner(l.name, id)
		if err != nil {
			return nil, err
		}
		if ok && holder == owner {
			out = append(out, id)
		}
	}
	return out, nil
}

// TokenByIndex returns the id minted at the given global position.
func (l *Ledger) TokenByIndex(index int) ([32]byte, error) {
	if l == nil || l.state == nil {
		return [32]byte{}, errNilState
	}
	all, err := l.state.RegistryList(l.name)
	if err != nil {
		return [32]byte{}, err
	}
	if index < 0 || index >= len(all) {
		return [32]byte{}, ErrIndexOutOfRange
	}
	return all[index], nil
}

// Count returns how many ids were ever minted in this ledger.
func (l *Ledger) Count() (int, error) {
	if l == nil || l.state == nil {
		return 0, errNilState
	}
	all, err := l.state.RegistryList(l.name)
	if err != nil {
		return 0, err
	}
	return len(all), nil
}
