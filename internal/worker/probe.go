package worker

import (
	"context"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/docker/docker/client"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/ChuLiYu/swarm-coordinator/pkg/types"
)

// softwareBinaries maps a capability tag to the executables that provide it.
var softwareBinaries = map[string][]string{
	"ida":     {"idat64", "ida64", "idat"},
	"ghidra":  {"analyzeHeadless", "ghidraRun"},
	"hashcat": {"hashcat"},
	"afl":     {"afl-fuzz"},
	"radare2": {"r2", "radare2"},
}

// ProbeFunc detects the capabilities of the local machine.
type ProbeFunc func(ctx context.Context) types.Capabilities

// Probe detects hardware and software capabilities of this machine: OS, CPU
// and memory through gopsutil, Docker by pinging the daemon, NVIDIA GPUs via
// nvidia-smi and analysis tools via PATH lookup. Every check is best effort;
// a failing check leaves its capability unset.
func Probe(ctx context.Context) types.Capabilities {
	caps := types.Capabilities{
		OS:       runtime.GOOS,
		CPUCores: runtime.NumCPU(),
		Software: make(map[string]bool),
	}

	if info, err := host.InfoWithContext(ctx); err == nil && info.OS != "" {
		caps.OS = info.OS
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil && n > 0 {
		caps.CPUCores = n
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		caps.MemoryGB = float64(vm.Total*100/(1<<30)) / 100
	}

	caps.Docker = dockerAvailable(ctx)
	caps.GPUInfo = nvidiaGPUs(ctx)
	caps.GPU = len(caps.GPUInfo) > 0

	for tag, bins := range softwareBinaries {
		for _, bin := range bins {
			if _, err := exec.LookPath(bin); err == nil {
				caps.Software[tag] = true
				break
			}
		}
	}
	caps.Software["angr"] = pythonModule(ctx, "angr")

	slog.Debug("Capabilities probed",
		"os", caps.OS, "cpu_cores", caps.CPUCores, "gpu", caps.GPU, "docker", caps.Docker)
	return caps
}

func dockerAvailable(ctx context.Context) bool {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return false
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err = cli.Ping(ctx)
	return err == nil
}

func nvidiaGPUs(ctx context.Context) []string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "nvidia-smi", "-L").Output()
	if err != nil {
		return nil
	}
	var gpus []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			gpus = append(gpus, line)
		}
	}
	return gpus
}

func pythonModule(ctx context.Context, module string) bool {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, "python3", "-c", "import "+module).Run() == nil
}

// Sampler reports instantaneous machine load.
type Sampler interface {
	// Sample returns CPU busy percent and used memory percent.
	Sample(ctx context.Context) (load, memPercent float64, err error)
}

// SystemSampler samples the host through gopsutil.
type SystemSampler struct{}

// Sample implements Sampler.
func (SystemSampler) Sample(ctx context.Context) (float64, float64, error) {
	pcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, 0, err
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	var load float64
	if len(pcts) > 0 {
		load = pcts[0]
	}
	return load, vm.UsedPercent, nil
}
