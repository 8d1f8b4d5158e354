package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"math/bits"
	"net"
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"sshdeck/internal/backend"
)

// Interface is one network interface on a remote host.  MAC and CIDR
// are zero when the host reports none (loopback, tunnels, interfaces
// without an address).
type Interface struct {
	Name  string           `json:"name"`
	MAC   net.HardwareAddr `json:"mac"`
	CIDR  netip.Prefix     `json:"cidr"`
	State string           `json:"state"`
}

// MarshalJSON renders MAC and CIDR in their text forms.
func (i Interface) MarshalJSON() ([]byte, error) {
	out := struct {
		Name  string `json:"name"`
		MAC   string `json:"mac,omitempty"`
		CIDR  string `json:"cidr,omitempty"`
		State string `json:"state"`
	}{Name: i.Name, MAC: i.MAC.String(), State: i.State}
	if i.CIDR.IsValid() {
		out.CIDR = i.CIDR.String()
	}
	return json.Marshal(out)
}

// ListInterfaces reports the network interfaces of the host behind
// session id, using iproute2 when present and ifconfig otherwise.
func ListInterfaces(ctx context.Context, ex backend.Executor, id uint64) ([]Interface, error) {
	return Execute(ctx, ex, id, InterfaceCommands...)
}

// InterfaceCommands are the candidates ListInterfaces tries, in order.
var InterfaceCommands = []Command[[]Interface]{
	{
		Probe:     "ip -V",
		Supported: func(out string) bool { return strings.Contains(out, "ip utility") },
		Run:       "ip a",
		Parse:     ParseIPAddr,
	},
	{
		Probe:     "ifconfig -s lo",
		Supported: func(out string) bool { return strings.Contains(out, "Iface") },
		Run:       "ifconfig",
		Parse:     ParseIfconfig,
	},
}

// ── ip a ─────────────────────────────────────────────────────────────

var (
	ipSplitRe = regexp.MustCompile(`(?m)^\d+: `)
	ipNameRe  = regexp.MustCompile(`^([\w.-]+)[:@]`)
	ipStateRe = regexp.MustCompile(`state\s(\w+)`)
	ipMACRe   = regexp.MustCompile(`(?m)^\s+link/\w+\s([0-9a-fA-F:]+)`)
	ipCIDRRe  = regexp.MustCompile(`inet\s([\d.]+/\d+)|inet6\s([0-9a-fA-F:]+/\d+)`)
)

// ParseIPAddr parses the output of iproute2's `ip a`.
func ParseIPAddr(output string) ([]Interface, error) {
	var out []Interface
	for _, block := range ipSplitRe.Split(output, -1) {
		if strings.TrimSpace(block) == "" {
			continue
		}

		name := ipNameRe.FindStringSubmatch(block)
		if name == nil {
			return nil, fmt.Errorf("no interface name in %q", firstLine(block))
		}
		state := ipStateRe.FindStringSubmatch(block)
		if state == nil {
			return nil, fmt.Errorf("%s: no interface state", name[1])
		}
		iface := Interface{Name: name[1], State: state[1]}

		if m := ipMACRe.FindStringSubmatch(block); m != nil {
			mac, err := net.ParseMAC(m[1])
			if err != nil {
				return nil, fmt.Errorf("%s: invalid MAC address: %w", iface.Name, err)
			}
			iface.MAC = mac
		}
		if m := ipCIDRRe.FindStringSubmatch(block); m != nil {
			text := m[1]
			if text == "" {
				text = m[2]
			}
			prefix, err := netip.ParsePrefix(text)
			if err != nil {
				return nil, fmt.Errorf("%s: invalid CIDR: %w", iface.Name, err)
			}
			iface.CIDR = prefix
		}
		out = append(out, iface)
	}
	return out, nil
}

// ── ifconfig ─────────────────────────────────────────────────────────

var (
	ifNameRe  = regexp.MustCompile(`^[\w.-]+`)
	ifFlagsRe = regexp.MustCompile(`<([\w,]*)>`)
	// net-tools 1.60 prints flags as words ahead of MTU:, with no <...>.
	ifWordsRe = regexp.MustCompile(`(?m)^[ \t]+((?:[A-Z]+ )+)\s*MTU:`)
	ifMACRe   = regexp.MustCompile(`\s(?:ether|HWaddr)\s+((?:[0-9a-fA-F]{2}:){5}[0-9a-fA-F]{2})`)
	ifIPRe    = regexp.MustCompile(`inet\s(?:addr:)?([\d.]+)|inet6\s(?:addr:\s?)?([0-9a-fA-F:]+)`)
	ifMaskRe  = regexp.MustCompile(`(?:netmask|Mask:)\s?(0x[0-9a-fA-F]{8}|[\d.]+)`)
	ifPrefRe  = regexp.MustCompile(`prefixlen\s(\d+)|inet6\saddr:\s?[0-9a-fA-F:]+/(\d+)`)
)

// ParseIfconfig parses net-tools (both the 2.x `<FLAGS>` layout and
// the older `HWaddr`/`inet addr:` one) or BSD `ifconfig` output.
// State is "UP" when the UP flag is set and "DOWN" otherwise.
func ParseIfconfig(output string) ([]Interface, error) {
	var out []Interface
	for _, block := range strings.Split(output, "\n\n") {
		if strings.TrimSpace(block) == "" {
			continue
		}
		block = strings.TrimLeft(block, "\n")

		name := ifNameRe.FindString(block)
		if name == "" {
			return nil, fmt.Errorf("no interface name in %q", firstLine(block))
		}
		flags, err := ifconfigFlags(block)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		iface := Interface{Name: name, State: "DOWN"}
		for _, f := range flags {
			if f == "UP" {
				iface.State = "UP"
			}
		}

		if m := ifMACRe.FindStringSubmatch(block); m != nil {
			mac, err := net.ParseMAC(m[1])
			if err != nil {
				return nil, fmt.Errorf("%s: invalid MAC address: %w", name, err)
			}
			iface.MAC = mac
		}

		prefix, err := ifconfigPrefix(block)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		iface.CIDR = prefix
		out = append(out, iface)
	}
	return out, nil
}

func ifconfigFlags(block string) ([]string, error) {
	if m := ifFlagsRe.FindStringSubmatch(block); m != nil {
		return strings.Split(m[1], ","), nil
	}
	if m := ifWordsRe.FindStringSubmatch(block); m != nil {
		return strings.Fields(m[1]), nil
	}
	return nil, fmt.Errorf("no interface flags")
}

// ifconfigPrefix combines the first address with its netmask or
// prefixlen, keeping the host bits.  A block without an address yields
// the zero prefix.
func ifconfigPrefix(block string) (netip.Prefix, error) {
	m := ifIPRe.FindStringSubmatch(block)
	if m == nil {
		return netip.Prefix{}, nil
	}
	text := m[1]
	if text == "" {
		text = m[2]
	}
	addr, err := netip.ParseAddr(text)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid address: %w", err)
	}

	var ones int
	switch {
	case addr.Is4():
		mask := ifMaskRe.FindStringSubmatch(block)
		if mask == nil {
			return netip.Prefix{}, fmt.Errorf("no netmask for %s", addr)
		}
		if ones, err = maskBits(mask[1]); err != nil {
			return netip.Prefix{}, err
		}
	default:
		ones = 128
		if p := ifPrefRe.FindStringSubmatch(block); p != nil {
			n := p[1]
			if n == "" {
				n = p[2]
			}
			ones, _ = strconv.Atoi(n)
		}
	}
	prefix := netip.PrefixFrom(addr, ones)
	if !prefix.IsValid() {
		return netip.Prefix{}, fmt.Errorf("invalid prefix length %d for %s", ones, addr)
	}
	return prefix, nil
}

// maskBits counts the set bits of a dotted or 0x-hex IPv4 netmask.
func maskBits(mask string) (int, error) {
	if strings.HasPrefix(mask, "0x") {
		v, err := strconv.ParseUint(mask[2:], 16, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid netmask %q", mask)
		}
		return bits.OnesCount32(uint32(v)), nil
	}
	addr, err := netip.ParseAddr(mask)
	if err != nil || !addr.Is4() {
		return 0, fmt.Errorf("invalid netmask %q", mask)
	}
	n := 0
	for _, b := range addr.As4() {
		n += bits.OnesCount8(b)
	}
	return n, nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
