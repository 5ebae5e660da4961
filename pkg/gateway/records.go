package gateway

import "time"

// GatewayInfo is the descriptive record returned by the gwinfo endpoint.
// Field names follow the device's JSON casing.
type GatewayInfo struct {
	LANIP      string `json:"LANIP"`
	LANIPv6    string `json:"LANIPv6"`
	MAC        string `json:"MAC"`
	WANIP      string `json:"WANIP"`
	WANIPv6    string `json:"WANIPv6"`
	ProductSN  string `json:"ProductSN"`
	DevType    string `json:"DevType"`
	SWVer      string `json:"SWVer"`
	ProductCls string `json:"ProductCls"`
}

// PublicIPRecord is a freshly observed public address. Never cached.
type PublicIPRecord struct {
	Address    string
	ObservedAt time.Time
}

// WireRule is a forwarding rule as the pmDisplay endpoint represents it.
// The table key it was found under becomes the rule id.
type WireRule struct {
	Description  string `json:"desp"`
	Protocol     string `json:"protocol"`
	ExternalPort int    `json:"exPort"`
	InternalPort int    `json:"inPort"`
	Client       string `json:"client"`
	Enable       int    `json:"enable"`
}

// RuleTable is the decoded pmDisplay response: the fixed fields plus the
// rule map that the device flattens beside them.
type RuleTable struct {
	Mask  string `json:"mask"`
	LANIP string `json:"lanIp"`
	Count int    `json:"count"`

	Rules map[string]WireRule `json:"-"`
}

// OperationAck is the device's answer to a pmSetSingle mutation.
type OperationAck struct {
	RetVal int `json:"retVal"`
}

// Device retVal codes observed on pmSetSingle.
const (
	AckAccepted = 0
	AckRejected = 1
	AckNotFound = 2
)

// LoginResult carries the session token scraped from a login-success page.
type LoginResult struct {
	Token string
}
