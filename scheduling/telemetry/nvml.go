package telemetry

import (
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
)

// NvmlProvider reads device telemetry through the NVIDIA Management Library.
// NVML is initialized once per provider; callers must invoke Shutdown when
// they are done with it.
type NvmlProvider struct {
	log logger.Logger

	// peers caches the NVLink topology, which is fixed for the lifetime of
	// the process. Keyed by device index.
	peers map[int][]int
}

func NewNvmlProvider() (*NvmlProvider, error) {
	provider := &NvmlProvider{
		peers: make(map[int][]int),
	}
	config.InitLogger(&provider.log, provider)

	ret := nvml.Init()
	if ret != nvml.SUCCESS { // Official docs for nvml go module do not use errors.Is or errors.As here
		return nil, fmt.Errorf("unable to initialize NVML: %v", nvml.ErrorString(ret))
	}

	return provider, nil
}

// Shutdown releases the NVML handle. Shutdown panics if NVML cannot be shut
// down cleanly.
func (p *NvmlProvider) Shutdown() {
	ret := nvml.Shutdown()
	if ret != nvml.SUCCESS {
		panic(fmt.Sprintf("Unable to shutdown NVML: %v", nvml.ErrorString(ret)))
	}
}

func (p *NvmlProvider) DeviceCount() (int, error) {
	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return -1, fmt.Errorf("unable to get device count: %v", nvml.ErrorString(ret))
	}

	return count, nil
}

func (p *NvmlProvider) device(index int) (nvml.Device, error) {
	device, ret := nvml.DeviceGetHandleByIndex(index)
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("unable to get handle of device %d: %v", index, nvml.ErrorString(ret))
	}

	return device, nil
}

func (p *NvmlProvider) MemoryInfo(index int) (uint64, uint64, error) {
	device, err := p.device(index)
	if err != nil {
		return 0, 0, err
	}

	memory, ret := device.GetMemoryInfo()
	if ret != nvml.SUCCESS {
		return 0, 0, fmt.Errorf("unable to get memory info of device %d: %v", index, nvml.ErrorString(ret))
	}

	return memory.Total, memory.Used, nil
}

func (p *NvmlProvider) Utilization(index int) (float64, error) {
	device, err := p.device(index)
	if err != nil {
		return 0, err
	}

	utilization, ret := device.GetUtilizationRates()
	if ret != nvml.SUCCESS {
		return 0, fmt.Errorf("unable to get utilization of device %d: %v", index, nvml.ErrorString(ret))
	}

	return float64(utilization.Gpu), nil
}

func (p *NvmlProvider) Temperature(index int) (float64, error) {
	device, err := p.device(index)
	if err != nil {
		return 0, err
	}

	temperature, ret := device.GetTemperature(nvml.TEMPERATURE_GPU)
	if ret != nvml.SUCCESS {
		return 0, fmt.Errorf("unable to get temperature of device %d: %v", index, nvml.ErrorString(ret))
	}

	return float64(temperature), nil
}

// TopologyPeers resolves the indices of the devices NVLink-connected to the
// given device by matching the remote end of each active link against the PCI
// bus ids of the local devices. The result is computed once and cached.
func (p *NvmlProvider) TopologyPeers(index int) ([]int, error) {
	if peers, ok := p.peers[index]; ok {
		return peers, nil
	}

	device, err := p.device(index)
	if err != nil {
		return nil, err
	}

	busIdToIndex, err := p.busIdIndex()
	if err != nil {
		return nil, err
	}

	peerSet := make(map[int]struct{})
	for link := 0; link < nvml.NVLINK_MAX_LINKS; link++ {
		state, ret := device.GetNvLinkState(link)
		if ret != nvml.SUCCESS || state != nvml.FEATURE_ENABLED {
			continue
		}

		remote, ret := device.GetNvLinkRemotePciInfo(link)
		if ret != nvml.SUCCESS {
			continue
		}

		if peerIndex, ok := busIdToIndex[busIdString(remote.BusId)]; ok && peerIndex != index {
			peerSet[peerIndex] = struct{}{}
		}
	}

	peers := make([]int, 0, len(peerSet))
	for peer := range peerSet {
		peers = append(peers, peer)
	}

	p.peers[index] = peers

	p.log.Debug("Device %d has %d NVLink peer(s).", index, len(peers))

	return peers, nil
}

func (p *NvmlProvider) busIdIndex() (map[string]int, error) {
	count, err := p.DeviceCount()
	if err != nil {
		return nil, err
	}

	busIds := make(map[string]int, count)
	for i := 0; i < count; i++ {
		device, err := p.device(i)
		if err != nil {
			return nil, err
		}

		pci, ret := device.GetPciInfo()
		if ret != nvml.SUCCESS {
			return nil, fmt.Errorf("unable to get PCI info of device %d: %v", i, nvml.ErrorString(ret))
		}

		busIds[busIdString(pci.BusId)] = i
	}

	return busIds, nil
}

func busIdString(busId [32]int8) string {
	buffer := make([]byte, 0, len(busId))
	for _, c := range busId {
		if c == 0 {
			break
		}
		buffer = append(buffer, byte(c))
	}

	return string(buffer)
}
