package enforce

import (
	"fmt"
	"os/exec"
)

// IFirewall mirrors learned addresses into a kernel set so established
// flows to allowed hosts skip the queue.
type IFirewall interface {
	AddIP(ip string) error
	Reset() error
}

// DefaultFirewallSet is the nftables set learned addresses are added to.
const DefaultFirewallSet = "allowed_ips"

// NFTFirewall manages the allowed_ips sets of the inet and ip filter tables.
type NFTFirewall struct {
	// Families defaults to inet and ip (docker uses the latter).
	Families []string
	Set      string
}

func (n *NFTFirewall) families() []string {
	if len(n.Families) == 0 {
		return []string{"inet", "ip"}
	}
	return n.Families
}

func (n *NFTFirewall) set() string {
	if n.Set == "" {
		return DefaultFirewallSet
	}
	return n.Set
}

func (n *NFTFirewall) AddIP(ip string) error {
	element := fmt.Sprintf("{ %s }", ip)
	for _, family := range n.families() {
		out, err := exec.Command("nft", "add", "element", family, "filter", n.set(), element).CombinedOutput()
		if err != nil {
			return fmt.Errorf("nft add element %s filter %s %s: %w: %s", family, n.set(), ip, err, out)
		}
	}
	return nil
}

func (n *NFTFirewall) Reset() error {
	for _, family := range n.families() {
		out, err := exec.Command("nft", "flush", "set", family, "filter", n.set()).CombinedOutput()
		if err != nil {
			return fmt.Errorf("nft flush set %s filter %s: %w: %s", family, n.set(), err, out)
		}
	}
	return nil
}
