// Package testing holds hand-written collaborator mocks and packet builders
// shared by package tests.
package testing

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/ignition/privacy-agent/pkg/privacy"
)

// Firewall records the kernel set contents.
type Firewall struct {
	mu         sync.Mutex
	AllowedIPs map[string]bool
	Resets     int
	Err        error
}

func NewFirewall() *Firewall {
	return &Firewall{AllowedIPs: make(map[string]bool)}
}

func (m *Firewall) AddIP(ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.AllowedIPs[ip] = true
	return nil
}

func (m *Firewall) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Resets++
	m.AllowedIPs = make(map[string]bool)
	return nil
}

func (m *Firewall) Has(ip string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.AllowedIPs[ip]
}

type NetInfoProvider struct {
	Servers []string
	Err     error
}

func (m *NetInfoProvider) DNSServers() ([]string, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Servers == nil {
		return []string{"127.0.0.125"}, nil
	}
	return m.Servers, nil
}

func (m *NetInfoProvider) FlushDNSCache() error {
	return nil
}

// FileSystem keeps appended lines per file.
type FileSystem struct {
	mu    sync.Mutex
	Files map[string][]string
}

func NewFileSystem() *FileSystem {
	return &FileSystem{Files: make(map[string][]string)}
}

func (m *FileSystem) Append(filename string, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Files == nil {
		m.Files = make(map[string][]string)
	}
	m.Files[filename] = append(m.Files[filename], strings.TrimRight(content, "\n"))
	return nil
}

func (m *FileSystem) Lines(filename string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Files[filename]...)
}

// Admission grants the domains in Allowed with Reason.
type Admission struct {
	mu      sync.Mutex
	Allowed map[string]bool
	Reason  string
	Calls   int
}

func NewAdmission(domains ...string) *Admission {
	a := &Admission{Allowed: make(map[string]bool), Reason: "pip_install (confidence 0.95)"}
	for _, d := range domains {
		a.Allowed[d] = true
	}
	return a
}

func (m *Admission) Allow(domain string, port int) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.Allowed[domain] {
		return true, m.Reason
	}
	return false, "no_active_activity"
}

// ApplyCall is one recorded Enforcer.Apply.
type ApplyCall struct {
	State   privacy.State
	Domains []string
	Mode    privacy.Mode
}

// Enforcer records Apply calls.
type Enforcer struct {
	mu    sync.Mutex
	Calls []ApplyCall
	Err   error
}

func (m *Enforcer) Apply(_ context.Context, state privacy.State, domains []string, mode privacy.Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, ApplyCall{State: state, Domains: append([]string(nil), domains...), Mode: mode})
	return m.Err
}

func (m *Enforcer) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

func (m *Enforcer) Last() (ApplyCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Calls) == 0 {
		return ApplyCall{}, errors.New("no apply calls")
	}
	return m.Calls[len(m.Calls)-1], nil
}
