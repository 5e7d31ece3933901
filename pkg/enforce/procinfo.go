package enforce

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var errSocketNotFound = errors.New("socket not found")

// IProcProvider abstracts the /proc reads used to attribute a packet to the
// process that sent it.
type IProcProvider interface {
	// ReadProcNetFile reads /proc/net/{tcp,udp}[6].
	ReadProcNetFile(protocol string, ipVersion int) ([]SocketEntry, error)
	// FindProcessByInode scans /proc/[pid]/fd for the socket inode.
	FindProcessByInode(inode uint64) (int, error)
	GetProcessName(pid int) (string, error)
	GetCommandLine(pid int) (string, error)
	GetExecutablePath(pid int) (string, error)
}

// LinuxProcProvider reads a real procfs mounted at Root ("/proc" if empty).
type LinuxProcProvider struct {
	Root string
}

func (p *LinuxProcProvider) root() string {
	if p.Root == "" {
		return "/proc"
	}
	return p.Root
}

func (p *LinuxProcProvider) ReadProcNetFile(protocol string, ipVersion int) ([]SocketEntry, error) {
	name := protocol
	if ipVersion == 6 {
		name += "6"
	}
	filename := filepath.Join(p.root(), "net", name)

	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filename, err)
	}
	defer file.Close()

	var entries []SocketEntry
	scanner := bufio.NewScanner(file)
	scanner.Scan() // header
	for scanner.Scan() {
		entry, err := parseSocketLine(scanner.Text())
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}

func (p *LinuxProcProvider) FindProcessByInode(inode uint64) (int, error) {
	dirs, err := os.ReadDir(p.root())
	if err != nil {
		return 0, err
	}

	want := fmt.Sprintf("socket:[%d]", inode)
	for _, d := range dirs {
		pid, err := strconv.Atoi(d.Name())
		if err != nil || !d.IsDir() {
			continue
		}
		fdDir := filepath.Join(p.root(), d.Name(), "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			target, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err == nil && target == want {
				return pid, nil
			}
		}
	}
	return 0, fmt.Errorf("no process owns inode %d", inode)
}

func (p *LinuxProcProvider) GetProcessName(pid int) (string, error) {
	data, err := os.ReadFile(filepath.Join(p.root(), strconv.Itoa(pid), "comm"))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (p *LinuxProcProvider) GetCommandLine(pid int) (string, error) {
	data, err := os.ReadFile(filepath.Join(p.root(), strconv.Itoa(pid), "cmdline"))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(strings.ReplaceAll(string(data), "\x00", " ")), nil
}

func (p *LinuxProcProvider) GetExecutablePath(pid int) (string, error) {
	return os.Readlink(filepath.Join(p.root(), strconv.Itoa(pid), "exe"))
}

// parseSocketLine parses
// "sl local_address rem_address st tx_queue rx_queue tr tm->when retrnsmt uid timeout inode ...".
func parseSocketLine(line string) (SocketEntry, error) {
	fields := strings.Fields(line)
	if len(fields) < 10 {
		return SocketEntry{}, fmt.Errorf("short socket line: %d fields", len(fields))
	}
	inode, err := strconv.ParseUint(fields[9], 10, 64)
	if err != nil {
		return SocketEntry{}, fmt.Errorf("invalid inode: %w", err)
	}
	return SocketEntry{
		LocalAddr:  fields[1],
		RemoteAddr: fields[2],
		State:      fields[3],
		Inode:      inode,
	}, nil
}

// ipPortToHex renders an address the way /proc/net does, e.g.
// "127.0.0.1:631" -> "0100007F:0277".
func ipPortToHex(ipStr, portStr string) (string, error) {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return "", fmt.Errorf("invalid IP: %s", ipStr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 0xffff {
		return "", fmt.Errorf("invalid port: %s", portStr)
	}

	var b strings.Builder
	if ip4 := ip.To4(); ip4 != nil {
		fmt.Fprintf(&b, "%02X%02X%02X%02X", ip4[3], ip4[2], ip4[1], ip4[0])
	} else {
		// IPv6 is four little-endian 32-bit words.
		ip16 := ip.To16()
		for i := 0; i < 16; i += 4 {
			fmt.Fprintf(&b, "%02X%02X%02X%02X", ip16[i+3], ip16[i+2], ip16[i+1], ip16[i])
		}
	}
	fmt.Fprintf(&b, ":%04X", port)
	return b.String(), nil
}

func ipVersion(ipStr string) int {
	ip := net.ParseIP(ipStr)
	if ip == nil || ip.To4() != nil {
		return 4
	}
	return 6
}

// lookupProcess finds the process that owns the local end srcIP:srcPort.
func lookupProcess(provider IProcProvider, srcIP, srcPort, protocol string) (*ProcessInfo, error) {
	hexAddr, err := ipPortToHex(srcIP, srcPort)
	if err != nil {
		return nil, fmt.Errorf("convert address: %w", err)
	}
	entries, err := provider.ReadProcNetFile(protocol, ipVersion(srcIP))
	if err != nil {
		return nil, fmt.Errorf("read socket table: %w", err)
	}

	var inode uint64
	for _, e := range entries {
		if e.LocalAddr == hexAddr {
			inode = e.Inode
			break
		}
	}
	if inode == 0 {
		return nil, fmt.Errorf("%w: %s/%s", errSocketNotFound, hexAddr, protocol)
	}

	pid, err := provider.FindProcessByInode(inode)
	if err != nil {
		return nil, fmt.Errorf("find process: %w", err)
	}

	info := &ProcessInfo{PID: pid, ProcessName: "unknown", CommandLine: "unknown", ExecutablePath: "unknown"}
	if name, err := provider.GetProcessName(pid); err == nil {
		info.ProcessName = name
	}
	if cmdline, err := provider.GetCommandLine(pid); err == nil {
		info.CommandLine = cmdline
	}
	if exe, err := provider.GetExecutablePath(pid); err == nil {
		info.ExecutablePath = exe
	}
	return info, nil
}
