package launcher

import (
	"fmt"
	"os"
	"strings"
)

// writeHostfile renders the membership peer list in mpirun hostfile format.
// Peer order is preserved so every member could derive the same file.
func writeHostfile(path string, peers []string, slots int) error {
	var builder strings.Builder
	for _, peer := range peers {
		host := peer
		if idx := strings.IndexByte(host, ':'); idx >= 0 {
			host = host[:idx]
		}
		if slots > 0 {
			fmt.Fprintf(&builder, "%s slots=%d\n", host, slots)
		} else {
			fmt.Fprintf(&builder, "%s\n", host)
		}
	}
	if err := os.WriteFile(path, []byte(builder.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write hostfile: %w", err)
	}
	return nil
}
