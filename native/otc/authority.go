package otc

// AllowList is a static Authority over a fixed set of administrative
// identities, typically loaded from configuration at startup.
type AllowList map[[20]byte]struct{}

// NewAllowList builds an allow list from the supplied addresses.
func NewAllowList(addrs ...[20]byte) AllowList {
	list := make(AllowList, len(addrs))
	for _, addr := range addrs {
		list[addr] = struct{}{}
	}
	return list
}

// IsAuthorized implements the Authority interface.
func (l AllowList) IsAuthorized(addr [20]byte) bool {
	_, ok := l[addr]
	return ok
}
