package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// machineIDLength is the number of hex characters in a machine ID token.
// Tokens stay short because users may need to read them out or type them.
const machineIDLength = 20

// MachineIDProvider produces the ordered list of machine IDs for the local
// host. The first ID is the canonical one shown to the user and registered
// with the licensing server; the rest are fallback candidates so a hardware
// change does not immediately invalidate a registration.
//
// IDs are short uppercase hex tokens derived from stable hardware attributes.
// Comparison is case-insensitive throughout; use EqualMachineID / ContainsMachineID.
type MachineIDProvider struct {
	cache       []string
	cacheMutex  sync.RWMutex
	cacheExpiry time.Time
	cacheTTL    time.Duration
	group       singleflight.Group
}

// NewMachineIDProvider creates a provider that caches the generated ID list.
func NewMachineIDProvider() *MachineIDProvider {
	return &MachineIDProvider{
		cacheTTL: 1 * time.Hour,
	}
}

// LocalMachineIDs returns the ordered machine-ID list for this host.
// Generation is deduplicated across concurrent callers and cached.
// The list is never empty: if no hardware source is readable, a
// platform-derived fallback token is returned.
func (p *MachineIDProvider) LocalMachineIDs() []string {
	p.cacheMutex.RLock()
	if p.cache != nil && time.Now().Before(p.cacheExpiry) {
		ids := make([]string, len(p.cache))
		copy(ids, p.cache)
		p.cacheMutex.RUnlock()
		return ids
	}
	p.cacheMutex.RUnlock()

	v, _, _ := p.group.Do("machine-ids", func() (interface{}, error) {
		ids := p.generate()
		p.cacheMutex.Lock()
		p.cache = ids
		p.cacheExpiry = time.Now().Add(p.cacheTTL)
		p.cacheMutex.Unlock()
		return ids, nil
	})

	cached := v.([]string)
	ids := make([]string, len(cached))
	copy(ids, cached)
	return ids
}

// ClearCache forces regeneration on the next call to LocalMachineIDs.
func (p *MachineIDProvider) ClearCache() {
	p.cacheMutex.Lock()
	defer p.cacheMutex.Unlock()
	p.cache = nil
	p.cacheExpiry = time.Time{}
}

func (p *MachineIDProvider) generate() []string {
	start := time.Now()
	var ids []string

	if mac, err := primaryMACAddress(); err == nil {
		ids = append(ids, machineIDToken("mac:"+mac))
	} else {
		slog.Warn("no usable MAC address for machine ID",
			slog.String("error", err.Error()),
		)
	}

	if sysID, err := systemMachineID(); err == nil {
		ids = append(ids, machineIDToken("sys:"+sysID))
	}

	if host, err := os.Hostname(); err == nil && host != "" {
		host = strings.ToLower(strings.TrimSpace(host))
		ids = append(ids, machineIDToken(fmt.Sprintf("host:%s:%s:%s", host, runtime.GOOS, runtime.GOARCH)))
	}

	// A machine must always have at least one ID, even on a host where
	// every hardware source failed.
	if len(ids) == 0 {
		ids = append(ids, machineIDToken(fmt.Sprintf("fallback:%s:%s", runtime.GOOS, runtime.GOARCH)))
		slog.Warn("all hardware sources failed, using platform fallback machine ID")
	}

	slog.Debug("machine IDs generated",
		slog.Int("count", len(ids)),
		slog.String("canonical", ids[0]),
		slog.Duration("duration", time.Since(start)),
	)

	return ids
}

// primaryMACAddress returns the MAC of the first up, non-loopback interface.
// Any interface with a hardware address serves as fallback.
func primaryMACAddress() (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("failed to get network interfaces: %w", err)
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			return mac, nil
		}
	}

	for _, iface := range interfaces {
		if mac := iface.HardwareAddr.String(); mac != "" && mac != "00:00:00:00:00:00" {
			slog.Warn("using fallback network interface for machine ID",
				slog.String("interface", iface.Name),
			)
			return mac, nil
		}
	}

	return "", fmt.Errorf("no valid MAC address found")
}

// systemMachineID reads the OS-level machine identifier where one exists.
func systemMachineID() (string, error) {
	switch runtime.GOOS {
	case "linux":
		for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
			if data, err := os.ReadFile(path); err == nil {
				id := strings.TrimSpace(string(data))
				if id != "" {
					return id, nil
				}
			}
		}
		return "", fmt.Errorf("machine-id file not readable")
	case "windows":
		if procID := os.Getenv("PROCESSOR_IDENTIFIER"); procID != "" {
			return procID, nil
		}
		return "", fmt.Errorf("no processor identifier available")
	default:
		return "", fmt.Errorf("no system machine ID source on %s", runtime.GOOS)
	}
}

// machineIDToken hashes a raw hardware attribute into a short uppercase
// alphanumeric token.
func machineIDToken(raw string) string {
	hash := sha256.Sum256([]byte(raw))
	return strings.ToUpper(hex.EncodeToString(hash[:machineIDLength/2]))
}

// EqualMachineID compares two machine IDs case-insensitively.
func EqualMachineID(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// ContainsMachineID reports whether list contains id, ignoring case.
func ContainsMachineID(list []string, id string) bool {
	for _, candidate := range list {
		if EqualMachineID(candidate, id) {
			return true
		}
	}
	return false
}
