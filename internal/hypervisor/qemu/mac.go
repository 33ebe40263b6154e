package qemu

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"time"
)

const (
	hostPortBase  = 10022
	hostPortRange = 100
)

// GenerateMAC returns a locally-administered unicast MAC address: the
// first byte's low two bits are "10" (bit1 set for local-admin, bit0
// clear for unicast), and the remaining bytes are drawn from a
// per-invocation entropy source seeded with wall-clock nanoseconds.
func GenerateMAC() string {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	mac := make([]byte, 6)
	mac[0] = 0x02
	for i := 1; i < 6; i++ {
		mac[i] = byte(r.Intn(256))
	}
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}

// HostPortForName deterministically derives a user-mode-network host
// forward port in [10022, 10121] from a VM name using a stable hash.
func HostPortForName(name string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return hostPortBase + int(h.Sum32()%hostPortRange)
}
