package domain

import "fmt"

// Protocol is a transport protocol a firewall rule applies to.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// IPTypeV4 is the only address family this tool manages.
const IPTypeV4 = "v4"

// SingleHostPrefix is the subnet size of a rule that authorizes exactly one host.
const SingleHostPrefix = 32

// FirewallGroup is a named collection of rules owned by the remote service.
type FirewallGroup struct {
	ID           string `json:"id"`
	Description  string `json:"description"`
	DateCreated  string `json:"date_created,omitempty"`
	DateModified string `json:"date_modified,omitempty"`
	RuleCount    int    `json:"rule_count"`
}

// FirewallRule is one inbound allow entry in a firewall group.
// Number is assigned by the remote service and is unique within the group.
type FirewallRule struct {
	Number     int      `json:"id"`
	Action     string   `json:"action,omitempty"`
	IPType     string   `json:"ip_type"`
	Protocol   Protocol `json:"protocol"`
	Port       string   `json:"port"`
	Subnet     string   `json:"subnet"`
	SubnetSize int      `json:"subnet_size"`
	Source     string   `json:"source,omitempty"`
	Notes      string   `json:"notes"`
}

// IsSingleHost reports whether the rule is a /32 rule.
func (r FirewallRule) IsSingleHost() bool {
	return r.SubnetSize == SingleHostPrefix
}

// String renders the rule the way it shows up in logs.
func (r FirewallRule) String() string {
	return fmt.Sprintf("#%d %s/%s %s/%d", r.Number, r.Protocol, r.Port, r.Subnet, r.SubnetSize)
}

// RuleSpec is the content of a rule to create.
type RuleSpec struct {
	Protocol   Protocol `json:"protocol"`
	Subnet     string   `json:"subnet"`
	SubnetSize int      `json:"subnet_size"`
	Port       string   `json:"port"`
	Notes      string   `json:"notes"`
}
