package enforce

import (
	"fmt"
	"os/exec"

	"github.com/miekg/dns"
)

// INetInfoProvider discovers the trusted resolvers.
type INetInfoProvider interface {
	DNSServers() ([]string, error)
	FlushDNSCache() error
}

// LinuxNetInfoProvider reads resolv.conf.
type LinuxNetInfoProvider struct {
	ResolvConf string
}

func (l *LinuxNetInfoProvider) DNSServers() ([]string, error) {
	path := l.ResolvConf
	if path == "" {
		path = "/etc/resolv.conf"
	}
	conf, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return conf.Servers, nil
}

// FlushDNSCache asks systemd-resolved to drop cached answers so that no
// resolution made before the agent started bypasses it.
func (l *LinuxNetInfoProvider) FlushDNSCache() error {
	if _, err := exec.LookPath("resolvectl"); err != nil {
		return nil
	}
	if out, err := exec.Command("resolvectl", "flush-caches").CombinedOutput(); err != nil {
		return fmt.Errorf("resolvectl flush-caches: %w: %s", err, out)
	}
	return nil
}
