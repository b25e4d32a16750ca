package types

// State is the controller's last-known belief about an instance's lifecycle
// state. It may lag the daemon's authoritative state; reconciliation happens
// on every state query.
type State string

const (
	StateUnknown         State = "unknown"
	StateStarting        State = "starting"
	StateRunning         State = "running"
	StateDelayedShutdown State = "delayed-shutdown"
	StateSuspending      State = "suspending"
	StateSuspended       State = "suspended"
	StateStopped         State = "stopped"
)

// NetworkInterface describes one bridged guest NIC.
type NetworkInterface struct {
	// ID is the host bridge the NIC is attached to.
	ID string `json:"id"`
	// MACAddress is the hardware address assigned to the guest side.
	MACAddress string `json:"mac_address"`
}

// IDMap maps one host UID/GID to an in-instance UID/GID.
type IDMap struct {
	HostID     int `json:"host_id"`
	InstanceID int `json:"instance_id"`
}

// Mount describes a host directory exported into a guest.
type Mount struct {
	SourcePath  string  `json:"source_path"`
	UIDMappings []IDMap `json:"uid_mappings,omitempty"`
	GIDMappings []IDMap `json:"gid_mappings,omitempty"`
}

// VMDesc carries everything needed to create an instance on the daemon.
// The four cloud-init blobs are rendered elsewhere and passed through
// opaquely; empty strings mean "omit".
type VMDesc struct {
	Name              string             `json:"name"`
	CPUCount          int                `json:"cpu_count"`
	MemoryBytes       int64              `json:"memory_bytes"`
	DiskBytes         int64              `json:"disk_bytes"`
	ImageFingerprint  string             `json:"image_fingerprint"`
	SSHUsername       string             `json:"ssh_username"`
	DefaultMACAddress string             `json:"default_mac_address"`
	ExtraInterfaces   []NetworkInterface `json:"extra_interfaces,omitempty"`

	MetaDataConfig    string `json:"meta_data_config,omitempty"`
	VendorDataConfig  string `json:"vendor_data_config,omitempty"`
	UserDataConfig    string `json:"user_data_config,omitempty"`
	NetworkDataConfig string `json:"network_data_config,omitempty"`
}
