package access

import (
	"strconv"
	"strings"
)

// Permission is the capability bitmask carried by a key.
type Permission uint8

const (
	Buy Permission = 1 << iota
	Sell
	Borrow
	Repay
	Reinvest
	ManageKeys
	LimitedSell
	LimitedBorrow

	None  Permission = 0
	Admin            = Buy | Sell | Borrow | Repay | Reinvest | ManageKeys
)

// Has reports whether every bit of required is set.
func (p Permission) Has(required Permission) bool {
	return p&required == required
}

// Intersects reports whether any bit of required is set.
func (p Permission) Intersects(required Permission) bool {
	return p&required != 0
}

var permissionNames = []struct {
	bit  Permission
	name string
}{
	{Buy, "buy"},
	{Sell, "sell"},
	{Borrow, "borrow"},
	{Repay, "repay"},
	{Reinvest, "reinvest"},
	{ManageKeys, "manage_keys"},
	{LimitedSell, "limited_sell"},
	{LimitedBorrow, "limited_borrow"},
}

// Names lists the set bits in declaration order.
func (p Permission) Names() []string {
	out := make([]string, 0, len(permissionNames))
	for _, entry := range permissionNames {
		if p.Has(entry.bit) {
			out = append(out, entry.name)
		}
	}
	return out
}

func (p Permission) String() string {
	if p == None {
		return "none"
	}
	return strings.Join(p.Names(), "|")
}

// Attribute renders the mask the way it is stored in the key's "permissions"
// attribute.
func (p Permission) Attribute() string {
	return strconv.FormatUint(uint64(p), 10)
}

// ParseAttribute reads a "permissions" attribute value.
func ParseAttribute(value string) (Permission, bool) {
	v, err := strconv.ParseUint(strings.TrimSpace(value), 10, 8)
	if err != nil {
		return None, false
	}
	return Permission(v), true
}
