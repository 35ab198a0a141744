package docker

import (
	"jobsupervisor/internal/protocol"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
)

func TestPortMappings(t *testing.T) {
	ports := nat.PortMap{
		"8080/tcp": {{HostIP: "0.0.0.0", HostPort: "32768"}, {HostIP: "::", HostPort: "32768"}},
		"22/tcp":   {{HostIP: "0.0.0.0", HostPort: "32769"}},
		"9000/tcp": nil,
	}

	got := portMappings(ports)
	want := []protocol.PortMapping{{Host: 32769, Container: 22}, {Host: 32768, Container: 8080}}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("mapping %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestStatsFromResponse(t *testing.T) {
	read := time.UnixMicro(1_700_000_000_000_000)
	s := &container.StatsResponse{
		Read: read,
		CPUStats: container.CPUStats{
			CPUUsage: container.CPUUsage{TotalUsage: 5_000_000},
		},
		MemoryStats: container.MemoryStats{
			Usage: 1000,
			Stats: map[string]uint64{"inactive_file": 300},
		},
		Networks: map[string]container.NetworkStats{
			"eth0": {RxBytes: 10, TxBytes: 5},
			"eth1": {RxBytes: 1},
		},
	}

	st := statsFromResponse(s)
	if st.TimestampMicro != read.UnixMicro() {
		t.Errorf("timestamp: got %d", st.TimestampMicro)
	}
	if st.CPUUsageMicro != 5000 {
		t.Errorf("cpu: got %d, want 5000", st.CPUUsageMicro)
	}
	if st.MemoryUsageBytes != 1000 || st.MemoryWorkingSetBytes != 700 {
		t.Errorf("memory: got %d/%d, want 1000/700", st.MemoryUsageBytes, st.MemoryWorkingSetBytes)
	}
	if st.NetworkBytes != 16 {
		t.Errorf("network: got %d, want 16", st.NetworkBytes)
	}
}

func TestStatsFromResponse_NoInactiveFile(t *testing.T) {
	st := statsFromResponse(&container.StatsResponse{MemoryStats: container.MemoryStats{Usage: 42}})
	if st.MemoryWorkingSetBytes != 42 {
		t.Errorf("working set: got %d, want 42", st.MemoryWorkingSetBytes)
	}
}
