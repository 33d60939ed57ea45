package tools

import (
	"context"
	"os"
	"runtime"
	"time"
)

// Platform describes the host a runtime runs on.
type Platform struct {
	System    string `json:"system"`
	Release   string `json:"release,omitempty"`
	Machine   string `json:"machine"`
	Node      string `json:"node,omitempty"`
	GoVersion string `json:"go_version"`
}

// HostPlatform fills Platform from uname when available, falling back to the
// Go build target.
func HostPlatform(ctx context.Context, probe Probe) Platform {
	p := Platform{System: runtime.GOOS, Machine: runtime.GOARCH, GoVersion: runtime.Version()}
	if host, err := os.Hostname(); err == nil {
		p.Node = host
	}
	if probe == nil {
		return p
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if out, _, err := probe.Output(ctx, "uname", "-s"); err == nil && out != "" {
		p.System = out
	}
	if out, _, err := probe.Output(ctx, "uname", "-r"); err == nil {
		p.Release = out
	}
	if out, _, err := probe.Output(ctx, "uname", "-m"); err == nil && out != "" {
		p.Machine = out
	}
	return p
}
