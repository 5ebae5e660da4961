package gateway

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// RecordKind names the record shape a response body is expected to decode into.
type RecordKind string

const (
	KindLoginResult  RecordKind = "LoginResult"
	KindRuleList     RecordKind = "RuleList"
	KindOperationAck RecordKind = "OperationAck"
	KindPublicIP     RecordKind = "PublicIP"
	KindGatewayInfo  RecordKind = "GatewayInfo"
)

// Decoder converts raw response bodies into typed records. The core treats
// it as a black box: raw bytes in, one of the record types out.
type Decoder interface {
	Decode(raw []byte, kind RecordKind) (any, error)
}

// luciDecoder decodes the device's luci dialect: JSON bodies for data
// endpoints and an HTML page with an embedded token for login.
type luciDecoder struct{}

// NewDecoder returns the decoder for the device's native dialect.
func NewDecoder() Decoder {
	return &luciDecoder{}
}

// tokenPattern matches the session token embedded in the login-success page.
var tokenPattern = regexp.MustCompile(`token: '([a-z0-9]{32})'`)

func (d *luciDecoder) Decode(raw []byte, kind RecordKind) (any, error) {
	switch kind {
	case KindLoginResult:
		return d.decodeLogin(raw)
	case KindRuleList:
		return d.decodeRuleTable(raw)
	case KindOperationAck:
		var ack OperationAck
		if err := json.Unmarshal(raw, &ack); err != nil {
			return nil, &DecodeError{Kind: kind, Cause: err}
		}
		return &ack, nil
	case KindGatewayInfo:
		var info GatewayInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, &DecodeError{Kind: kind, Cause: err}
		}
		return &info, nil
	case KindPublicIP:
		// The device has no dedicated public IP endpoint; the address is
		// lifted from gateway info.
		var info GatewayInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, &DecodeError{Kind: kind, Cause: err}
		}
		if info.WANIP == "" && info.WANIPv6 == "" {
			return nil, &DecodeError{Kind: kind, Cause: fmt.Errorf("response carries no WAN address")}
		}
		addr := info.WANIP
		if addr == "" {
			addr = info.WANIPv6
		}
		return &PublicIPRecord{Address: addr, ObservedAt: time.Now()}, nil
	default:
		return nil, &DecodeError{Kind: kind, Cause: fmt.Errorf("unknown record kind")}
	}
}

func (d *luciDecoder) decodeLogin(raw []byte) (*LoginResult, error) {
	m := tokenPattern.FindSubmatch(raw)
	if m == nil {
		return nil, &DecodeError{Kind: KindLoginResult, Cause: fmt.Errorf("no session token in response")}
	}
	return &LoginResult{Token: string(m[1])}, nil
}

// decodeRuleTable splits the pmDisplay response into its fixed fields and
// the rule map the device flattens beside them. Unknown scalar keys are
// ignored; every object-valued key is treated as a rule entry keyed by the
// router-assigned id.
func (d *luciDecoder) decodeRuleTable(raw []byte) (*RuleTable, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &DecodeError{Kind: KindRuleList, Cause: err}
	}

	table := &RuleTable{Rules: make(map[string]WireRule)}
	for key, value := range fields {
		switch key {
		case "mask":
			if err := json.Unmarshal(value, &table.Mask); err != nil {
				return nil, &DecodeError{Kind: KindRuleList, Cause: fmt.Errorf("field %q: %w", key, err)}
			}
		case "lanIp":
			if err := json.Unmarshal(value, &table.LANIP); err != nil {
				return nil, &DecodeError{Kind: KindRuleList, Cause: fmt.Errorf("field %q: %w", key, err)}
			}
		case "count":
			if err := json.Unmarshal(value, &table.Count); err != nil {
				return nil, &DecodeError{Kind: KindRuleList, Cause: fmt.Errorf("field %q: %w", key, err)}
			}
		default:
			if len(value) == 0 || value[0] != '{' {
				continue
			}
			var rule WireRule
			if err := json.Unmarshal(value, &rule); err != nil {
				return nil, &DecodeError{Kind: KindRuleList, Cause: fmt.Errorf("rule %q: %w", key, err)}
			}
			table.Rules[key] = rule
		}
	}
	return table, nil
}
