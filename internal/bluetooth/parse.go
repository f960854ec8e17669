package bluetooth

import (
	"regexp"
	"strings"
)

var (
	deviceLineRE = regexp.MustCompile(`Device\s+([0-9A-Fa-f]{2}(?::[0-9A-Fa-f]{2}){5})\s+(.+)`)
	hexishRE     = regexp.MustCompile(`^[0-9A-F:-]+$`)
	deviceAddrRE = regexp.MustCompile(`Device\s+([0-9A-Fa-f]{2}(?::[0-9A-Fa-f]{2}){5})\b`)
	aliasRE      = regexp.MustCompile(`(?m)^\s*Alias:\s+(.+)$`)
	nameRE       = regexp.MustCompile(`(?m)^\s*Name:\s+(.+)$`)
	linkErrorRE  = regexp.MustCompile(`br-connection[\w-]*`)
)

// NormalizeAddress upper-cases an address and trims whitespace; bluetoothctl
// prints addresses in upper case.
func NormalizeAddress(addr string) string {
	return strings.ToUpper(strings.TrimSpace(addr))
}

// infoConnected reports whether `info` output shows a live link.
func infoConnected(out string) bool { return strings.Contains(out, "Connected: yes") }

func infoPaired(out string) bool { return strings.Contains(out, "Paired: yes") }

func infoTrusted(out string) bool { return strings.Contains(out, "Trusted: yes") }

// infoName extracts the display name, preferring Alias over Name.
func infoName(out string) string {
	for _, re := range []*regexp.Regexp{aliasRE, nameRE} {
		if m := re.FindStringSubmatch(out); m != nil {
			if name := strings.TrimSpace(m[1]); name != "" {
				return name
			}
		}
	}
	return UnknownName
}

// parseDeviceLine extracts address and name from a `Device <ADDR> <NAME>`
// line, as printed by `devices` and by discovery notifications.
//
// Property-change notifications ("[CHG] Device X RSSI: -60") are only
// accepted when they carry a new Name or Alias; removals are ignored.
func parseDeviceLine(line string) (addr, name string, ok bool) {
	m := deviceLineRE.FindStringSubmatch(line)
	if m == nil {
		return "", "", false
	}
	addr, name = NormalizeAddress(m[1]), strings.TrimSpace(m[2])

	switch {
	case strings.Contains(line, "[DEL]"):
		return "", "", false
	case strings.Contains(line, "[CHG]"):
		for _, prefix := range []string{"Alias: ", "Name: "} {
			if strings.HasPrefix(name, prefix) {
				return addr, strings.TrimSpace(name[len(prefix):]), true
			}
		}
		return "", "", false
	}
	return addr, name, true
}

// unnamed reports whether a listed name is just the address.
func unnamed(addr, name string) bool {
	return name == "" || strings.EqualFold(name, addr)
}

// unnamedAdvertiser widens unnamed for discovery lines, where bluetoothctl
// renders advertisers without a local name as upper-case hex.
func unnamedAdvertiser(addr, name string) bool {
	return unnamed(addr, name) || hexishRE.MatchString(name)
}

// lineAddress returns the address of a `Device <ADDR>` line, or "".
func lineAddress(line string) string {
	if m := deviceAddrRE.FindStringSubmatch(line); m != nil {
		return NormalizeAddress(m[1])
	}
	return ""
}

// foreignLine reports whether line is a notification about a device other
// than address.
func foreignLine(line, address string) bool {
	addr := lineAddress(line)
	return addr != "" && addr != address
}

// parseDeviceList maps address to name for every named device in a
// `devices` style listing, keeping first-seen order.
func parseDeviceList(out string) (names map[string]string, order []string) {
	names = make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		addr, name, ok := parseDeviceLine(line)
		if !ok {
			continue
		}
		if _, seen := names[addr]; seen {
			continue
		}
		if unnamed(addr, name) {
			name = ""
		}
		names[addr] = name
		order = append(order, addr)
	}
	return names, order
}

// linkError returns the br-connection error code contained in line, if any.
func linkError(line string) string {
	return linkErrorRE.FindString(line)
}

