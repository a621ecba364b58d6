// Package sysinfo collects host and build information for status output.
package sysinfo

import (
	"net"
	"os"
	"runtime"
	"runtime/debug"
	"time"
)

var (
	// Version is the release version, set at build time via ldflags.
	// Example: go build -ldflags="-X github.com/postalsys/udpecho/internal/sysinfo.Version=1.0.0"
	Version = "dev"

	startTime = time.Now()
)

// Info describes the running process and its host.
type Info struct {
	Version   string   `json:"version"`
	Hostname  string   `json:"hostname"`
	OS        string   `json:"os"`
	Arch      string   `json:"arch"`
	GoVersion string   `json:"go_version"`
	StartTime int64    `json:"start_time"`
	Uptime    string   `json:"uptime"`
	Addresses []string `json:"addresses,omitempty"`
}

// Collect gathers local system information.
func Collect() Info {
	hostname, _ := os.Hostname()

	return Info{
		Version:   FullVersion(),
		Hostname:  hostname,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		GoVersion: runtime.Version(),
		StartTime: startTime.Unix(),
		Uptime:    Uptime().Round(time.Second).String(),
		Addresses: LocalAddresses(),
	}
}

// FullVersion returns Version, or for dev builds "dev-<revision>" when the
// binary carries VCS information.
func FullVersion() string {
	if Version != "dev" {
		return Version
	}

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return Version
	}

	var revision string
	var dirty bool
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if revision == "" {
		return Version
	}
	if len(revision) > 7 {
		revision = revision[:7]
	}

	v := "dev-" + revision
	if dirty {
		v += "-dirty"
	}
	return v
}

// LocalAddresses returns non-loopback interface addresses, the ones a
// wildcard-bound endpoint is reachable on.
func LocalAddresses() []string {
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
		if ipNet.IP.IsLoopback() || ipNet.IP.IsLinkLocalUnicast() {
			continue
		}
		ips = append(ips, ipNet.IP.String())
	}

	if len(ips) > 10 {
		ips = ips[:10]
	}

	return ips
}

// StartTime returns the process start time.
func StartTime() time.Time {
	return startTime
}

// Uptime returns the process uptime.
func Uptime() time.Duration {
	return time.Since(startTime)
}
