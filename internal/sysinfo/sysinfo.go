// Package sysinfo collects local system information for the system_info
// invoke and for status reporting.
package sysinfo

import (
	"net"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// Version is the agent version, set at build time via ldflags.
	// Example: go build -ldflags="-X github.com/perchd/gatelink/internal/sysinfo.Version=1.0.0"
	Version = "dev"

	// startTime is when the agent started.
	startTime     time.Time
	startTimeOnce sync.Once

	// bootID identifies this process lifetime; it changes on every restart
	// so the gateway can tell a reconnect from a restart.
	bootID     string
	bootIDOnce sync.Once
)

func init() {
	startTimeOnce.Do(func() {
		startTime = time.Now()
	})
}

// Info is the payload returned by the system_info invoke.
type Info struct {
	Hostname      string   `json:"hostname"`
	OS            string   `json:"os"`
	Arch          string   `json:"arch"`
	Version       string   `json:"version"`
	BootID        string   `json:"bootId"`
	GoVersion     string   `json:"goVersion"`
	NumCPU        int      `json:"numCpu"`
	StartTime     int64    `json:"startTime"`
	UptimeSeconds int64    `json:"uptimeSeconds"`
	IPAddresses   []string `json:"ipAddresses"`
}

// Collect gathers local system information.
func Collect() *Info {
	hostname, _ := os.Hostname()

	return &Info{
		Hostname:      hostname,
		OS:            runtime.GOOS,
		Arch:          runtime.GOARCH,
		Version:       Version,
		BootID:        BootID(),
		GoVersion:     runtime.Version(),
		NumCPU:        runtime.NumCPU(),
		StartTime:     startTime.Unix(),
		UptimeSeconds: UptimeSeconds(),
		IPAddresses:   GetLocalIPs(),
	}
}

// GetLocalIPs returns non-loopback IPv4 addresses.
func GetLocalIPs() []string {
	var ips []string

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ips
	}

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}

		if ipNet.IP.IsLoopback() {
			continue
		}

		// Only include IPv4 addresses (limit payload size)
		if ipv4 := ipNet.IP.To4(); ipv4 != nil {
			ips = append(ips, ipv4.String())
		}
	}

	// Limit to first 10 IPs to prevent payload bloat
	if len(ips) > 10 {
		ips = ips[:10]
	}

	return ips
}

// BootID returns the identifier for this process lifetime.
func BootID() string {
	bootIDOnce.Do(func() {
		bootID = uuid.NewString()
	})
	return bootID
}

// StartTime returns the agent start time.
func StartTime() time.Time {
	return startTime
}

// Uptime returns the agent uptime as a duration.
func Uptime() time.Duration {
	return time.Since(startTime)
}

// UptimeSeconds returns the agent uptime in seconds.
func UptimeSeconds() int64 {
	return int64(Uptime().Seconds())
}
