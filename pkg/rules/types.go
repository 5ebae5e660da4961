package rules

// ForwardingRule is one entry of the device's NAT forwarding table. ID is
// the router-assigned table key, opaque to the client and unique within
// one view of the table.
type ForwardingRule struct {
	ID           string
	Name         string
	Protocol     Protocol
	ExternalPort int
	InternalIP   string
	InternalPort int
	Enabled      bool
}

// EquivalentTo reports whether two rules describe the same logical binding.
// Equivalence ignores the router-assigned ID and the internal IP; it is
// what the replacement transaction uses to pair old and new rules.
func (r ForwardingRule) EquivalentTo(other ForwardingRule) bool {
	return r.Name == other.Name &&
		r.Protocol == other.Protocol &&
		r.ExternalPort == other.ExternalPort &&
		r.InternalPort == other.InternalPort
}

// Draft is a rule to be submitted; the device assigns the ID.
type Draft struct {
	Name         string
	Protocol     Protocol
	ExternalPort int
	InternalIP   string
	InternalPort int
	Enabled      bool
}

// ReplacingIP returns the draft for an equivalent rule bound to newIP.
func (r ForwardingRule) ReplacingIP(newIP string) Draft {
	return Draft{
		Name:         r.Name,
		Protocol:     r.Protocol,
		ExternalPort: r.ExternalPort,
		InternalIP:   newIP,
		InternalPort: r.InternalPort,
		Enabled:      r.Enabled,
	}
}

// Matches reports whether a table rule satisfies a submitted draft.
func (d Draft) Matches(r ForwardingRule) bool {
	return r.Name == d.Name &&
		r.Protocol == d.Protocol &&
		r.ExternalPort == d.ExternalPort &&
		r.InternalPort == d.InternalPort &&
		r.InternalIP == d.InternalIP
}
