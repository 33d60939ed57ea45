package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/danmuck/silverline/internal/manager"
	"github.com/danmuck/silverline/internal/protocol/session"
)

func runtimeConfigs(entries []fileRuntime) ([]manager.RuntimeConfig, error) {
	out := make([]manager.RuntimeConfig, 0, len(entries))
	for i, entry := range entries {
		if entry.Capacity < 0 {
			return nil, fmt.Errorf("runtimes[%d]: negative max_nmodules %d", i, entry.Capacity)
		}
		rt := manager.RuntimeConfig{
			ID:          strings.TrimSpace(entry.ID),
			Name:        strings.TrimSpace(entry.Name),
			Type:        strings.TrimSpace(entry.Type),
			APIs:        trimAll(entry.APIs),
			Capacity:    entry.Capacity,
			ProfileKind: strings.TrimSpace(entry.ProfileKind),
			Command:     strings.TrimSpace(entry.Command),
			Args:        entry.Args,
		}
		if len(entry.Metadata) > 0 {
			raw, err := json.Marshal(entry.Metadata)
			if err != nil {
				return nil, fmt.Errorf("runtimes[%d].metadata: %w", i, err)
			}
			rt.Metadata = raw
		}
		out = append(out, rt)
	}
	return out, nil
}

func tlsConfig(raw fileTLS) session.TLSConfig {
	return session.TLSConfig{
		Enabled:            raw.Enabled,
		Mutual:             raw.Mutual,
		InsecureSkipVerify: raw.InsecureSkipVerify,
		ServerName:         strings.TrimSpace(raw.ServerName),
		CAFile:             strings.TrimSpace(raw.CAFile),
		CertFile:           strings.TrimSpace(raw.CertFile),
		KeyFile:            strings.TrimSpace(raw.KeyFile),
	}
}

func trimAll(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
