package utils

import (
	"crypto/rand"
	"fmt"
)

// GenerateMACAddress returns a random MAC under the 52:54:00 locally
// administered prefix, the conventional range for virtual NICs.
func GenerateMACAddress() (string, error) {
	var buf [3]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate MAC address: %w", err)
	}
	return fmt.Sprintf("52:54:00:%02x:%02x:%02x", buf[0], buf[1], buf[2]), nil
}
