package provision

import (
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
)

// The two artifact flavours published for the agent.
const (
	ArchAMD64 = "amd64"
	ArchARM64 = "arm64"
)

// Bucket maps a machine architecture name to an artifact flavour: 64-bit
// non-ARM machines get amd64, everything else arm64.
func Bucket(machine string) string {
	m := strings.ToLower(machine)
	if strings.Contains(m, "64") && !strings.Contains(m, "arm") && !strings.Contains(m, "aarch") {
		return ArchAMD64
	}
	return ArchARM64
}

// HostArch returns the flavour for the running kernel, falling back to the
// architecture this binary was built for.
func HostArch() string {
	machine, err := host.KernelArch()
	if err != nil || machine == "" {
		machine = runtime.GOARCH
	}
	return Bucket(machine)
}
