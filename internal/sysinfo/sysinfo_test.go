package sysinfo

import (
	"net"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestCollect(t *testing.T) {
	info := Collect()

	if info.OS != runtime.GOOS || info.Arch != runtime.GOARCH {
		t.Errorf("OS/Arch = %s/%s, want %s/%s", info.OS, info.Arch, runtime.GOOS, runtime.GOARCH)
	}
	if info.GoVersion != runtime.Version() {
		t.Errorf("GoVersion = %s, want %s", info.GoVersion, runtime.Version())
	}
	if info.StartTime != StartTime().Unix() {
		t.Errorf("StartTime = %d, want %d", info.StartTime, StartTime().Unix())
	}
	if info.Version == "" {
		t.Error("Version is empty")
	}
}

func TestFullVersion(t *testing.T) {
	orig := Version
	defer func() { Version = orig }()

	Version = "v1.2.3"
	if got := FullVersion(); got != "v1.2.3" {
		t.Errorf("FullVersion() = %q, want release version unchanged", got)
	}

	Version = "dev"
	if got := FullVersion(); !strings.HasPrefix(got, "dev") {
		t.Errorf("FullVersion() = %q, want dev prefix", got)
	}
}

func TestLocalAddresses(t *testing.T) {
	for _, s := range LocalAddresses() {
		ip := net.ParseIP(s)
		if ip == nil {
			t.Errorf("LocalAddresses() returned unparsable %q", s)
			continue
		}
		if ip.IsLoopback() {
			t.Errorf("LocalAddresses() returned loopback %s", s)
		}
	}
}

func TestUptime(t *testing.T) {
	if Uptime() <= 0 {
		t.Error("Uptime() not positive")
	}
	if StartTime().After(time.Now()) {
		t.Error("StartTime() is in the future")
	}
}
