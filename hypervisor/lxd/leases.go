package lxd

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
)

// lease is one DHCP record published by the daemon for a bridge.
type lease struct {
	Hwaddr  string `json:"hwaddr"`
	Address string `json:"address"`
}

// ResolveIP scans the bridge's lease table for the first entry matching mac
// and returns its address. Stale or partial lease records with malformed
// addresses are expected in normal operation and skipped. No match returns
// ok=false — absence is the caller's retry decision, not an error.
func (c *Client) ResolveIP(ctx context.Context, leasesURL, mac string) (string, bool, error) {
	env, err := c.Do(ctx, http.MethodGet, leasesURL, nil, 0)
	if err != nil {
		return "", false, err
	}

	var leases []lease
	if err := json.Unmarshal(env.Metadata, &leases); err != nil {
		return "", false, fmt.Errorf("parse leases from %s: %w", leasesURL, err)
	}

	for _, l := range leases {
		if l.Hwaddr != mac {
			continue
		}
		if net.ParseIP(l.Address) == nil {
			continue
		}
		return l.Address, true, nil
	}
	return "", false, nil
}
