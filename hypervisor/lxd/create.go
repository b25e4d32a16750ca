package lxd

import (
	"fmt"
	"strconv"

	"github.com/burrowstack/burrow/types"
)

// createPayload assembles the daemon-side instance record: resource limits,
// cloud-init blobs under user.* keys, the cloud-init config disk, the root
// disk bound to the storage pool, and one bridged NIC per interface.
// Secure boot is disabled; the images in use do not carry signed loaders.
func createPayload(desc *types.VMDesc, bridge, pool string) map[string]any {
	conf := map[string]string{
		"limits.cpu":          strconv.Itoa(desc.CPUCount),
		"limits.memory":       strconv.FormatInt(desc.MemoryBytes, 10),
		"security.secureboot": "false",
	}
	if desc.MetaDataConfig != "" {
		conf["user.meta-data"] = desc.MetaDataConfig
	}
	if desc.VendorDataConfig != "" {
		conf["user.vendor-data"] = desc.VendorDataConfig
	}
	if desc.UserDataConfig != "" {
		conf["user.user-data"] = desc.UserDataConfig
	}
	if desc.NetworkDataConfig != "" {
		conf["user.network-config"] = desc.NetworkDataConfig
	}

	devices := map[string]map[string]string{
		"config": {
			"source": "cloud-init:config",
			"type":   "disk",
		},
		"root": {
			"path": "/",
			"pool": pool,
			"size": strconv.FormatInt(desc.DiskBytes, 10),
			"type": "disk",
		},
		"eth0": {
			"name":    "eth0",
			"nictype": "bridged",
			"parent":  bridge,
			"type":    "nic",
			"hwaddr":  desc.DefaultMACAddress,
		},
	}
	for i, iface := range desc.ExtraInterfaces {
		nic := fmt.Sprintf("eth%d", i+1)
		devices[nic] = map[string]string{
			"name":    nic,
			"nictype": "bridged",
			"parent":  iface.ID,
			"type":    "nic",
			"hwaddr":  iface.MACAddress,
		}
	}

	return map[string]any{
		"name":    desc.Name,
		"config":  conf,
		"devices": devices,
		"source": map[string]string{
			"type":        "image",
			"fingerprint": desc.ImageFingerprint,
		},
	}
}
