//go:build !windows

package rkey

import (
	"errors"
	"os"
	"strings"
)

var machineIDPaths = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
}

func machineID() (string, error) {
	for _, p := range machineIDPaths {
		b, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if id := strings.TrimSpace(string(b)); id != "" {
			return id, nil
		}
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "", errors.New("rkey: no machine identifier available")
	}
	return "host:" + host, nil
}
