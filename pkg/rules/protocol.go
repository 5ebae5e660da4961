package rules

import (
	"fmt"
	"strings"
)

// Protocol is a forwarding rule's transport protocol, in the casing the
// device uses on the wire.
type Protocol string

const (
	ProtocolTCP  Protocol = "TCP"
	ProtocolUDP  Protocol = "UDP"
	ProtocolBoth Protocol = "BOTH"
)

// protocolAliases maps the spellings seen in configs and other firmwares
// onto the device's casing.
var protocolAliases = map[string]Protocol{
	"TCP":     ProtocolTCP,
	"UDP":     ProtocolUDP,
	"BOTH":    ProtocolBoth,
	"TCP_UDP": ProtocolBoth,
	"TCPUDP":  ProtocolBoth,
	"ALL":     ProtocolBoth,

	// variations that show up in exported rule sets
	"TCPV4":    ProtocolTCP,
	"UDPV4":    ProtocolUDP,
	"IPV4_TCP": ProtocolTCP,
	"IPV4_UDP": ProtocolUDP,
}

// NormalizeProtocol normalizes a protocol string to the device's casing.
func NormalizeProtocol(protocol string) (Protocol, error) {
	if protocol == "" {
		return "", &ProtocolValidationError{
			Protocol: protocol,
			Message:  "protocol cannot be empty",
		}
	}

	normalized := strings.TrimSpace(protocol)
	normalized = strings.ToUpper(normalized)
	normalized = strings.ReplaceAll(normalized, "/", "_")
	normalized = strings.ReplaceAll(normalized, "-", "_")

	if alias, ok := protocolAliases[normalized]; ok {
		return alias, nil
	}

	return "", &ProtocolValidationError{
		Protocol: protocol,
		Message:  fmt.Sprintf("protocol %q is not supported", protocol),
	}
}

// Covers reports whether a rule with protocol p also serves traffic of
// protocol other. BOTH covers TCP and UDP.
func (p Protocol) Covers(other Protocol) bool {
	if p == other {
		return true
	}
	return p == ProtocolBoth && (other == ProtocolTCP || other == ProtocolUDP)
}

// ProtocolValidationError reports an unsupported protocol spelling.
type ProtocolValidationError struct {
	Protocol string
	Message  string
}

func (e *ProtocolValidationError) Error() string {
	return e.Message
}

// DetailedMessage lists the accepted values alongside the error.
func (e *ProtocolValidationError) DetailedMessage() string {
	return fmt.Sprintf("%s (valid options: TCP, UDP, BOTH)", e.Message)
}
