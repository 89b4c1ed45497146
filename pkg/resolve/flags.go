package resolve

import (
	"fmt"
	"strings"
)

// Flags is the bit-wise OR of the resolver status and domain class bits.
type Flags uint32

const (
	// FlagFinal marks a transport that performs final delivery on this
	// host. Reserved, the daemon does not set it yet.
	FlagFinal Flags = 1 << 0

	// FlagRouted means the localpart still carries routing information,
	// so the returned nexthop is not the final destination.
	FlagRouted Flags = 1 << 1

	// FlagError means the address has invalid syntax.
	FlagError Flags = 1 << 2

	// FlagFail means the request could not be completed.
	FlagFail Flags = 1 << 3

	// Domain class bits, mutually exclusive.
	ClassLocal   Flags = 1 << 8  // matches local destinations or interfaces
	ClassAlias   Flags = 1 << 9  // matches the virtual alias domains
	ClassVirtual Flags = 1 << 10 // matches the virtual mailbox domains
	ClassRelay   Flags = 1 << 11 // authorized relay destination
	ClassDefault Flags = 1 << 12 // matches none of the above

	// ClassFinal covers every class where this host is the final
	// destination.
	ClassFinal = ClassLocal | ClassAlias | ClassVirtual
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagFinal, "FLAG_FINAL"},
	{FlagRouted, "FLAG_ROUTED"},
	{FlagError, "FLAG_ERROR"},
	{FlagFail, "FLAG_FAIL"},
	{ClassLocal, "CLASS_LOCAL"},
	{ClassAlias, "CLASS_ALIAS"},
	{ClassVirtual, "CLASS_VIRTUAL"},
	{ClassRelay, "CLASS_RELAY"},
	{ClassDefault, "CLASS_DEFAULT"},
}

// String lists the known flag names; residual bits are reported verbatim so
// that a newer daemon is not silently misread.
func (f Flags) String() string {
	var parts []string
	rest := f
	for _, e := range flagNames {
		if rest&e.flag != 0 {
			parts = append(parts, e.name)
			rest &^= e.flag
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("Unknown flag 0x%x", uint32(rest)))
	}
	return strings.Join(parts, " ")
}
