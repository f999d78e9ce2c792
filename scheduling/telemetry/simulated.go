package telemetry

import (
	"sync"

	"github.com/Ruanpiscitelli/media-api2-sub000/scheduling"
)

// SimulatedProvider is an in-memory TelemetryProvider for local deployments
// and tests. Devices report idle utilization, a cool temperature, and no
// memory usage until a test pushes other values through the setters.
type SimulatedProvider struct {
	mu sync.Mutex

	vramPerDevice uint64
	nvlinkPairs   bool

	utilization  []float64
	temperature  []float64
	memUsed      []uint64
	readFailures []bool
}

func NewSimulatedProvider(opts *scheduling.PoolOptions) *SimulatedProvider {
	numDevices := opts.NumVirtualGpus

	provider := &SimulatedProvider{
		vramPerDevice: uint64(opts.VramPerDeviceBytes()),
		nvlinkPairs:   opts.NvlinkPairs,
		utilization:   make([]float64, numDevices),
		temperature:   make([]float64, numDevices),
		memUsed:       make([]uint64, numDevices),
		readFailures:  make([]bool, numDevices),
	}

	for i := 0; i < numDevices; i++ {
		provider.temperature[i] = 40.0
	}

	return provider
}

func (p *SimulatedProvider) DeviceCount() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.utilization), nil
}

func (p *SimulatedProvider) MemoryInfo(index int) (uint64, uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkIndex(index); err != nil {
		return 0, 0, err
	}

	return p.vramPerDevice, p.memUsed[index], nil
}

func (p *SimulatedProvider) Utilization(index int) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkIndex(index); err != nil {
		return 0, err
	}

	return p.utilization[index], nil
}

func (p *SimulatedProvider) Temperature(index int) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkIndex(index); err != nil {
		return 0, err
	}

	return p.temperature[index], nil
}

// TopologyPeers pairs devices (0,1), (2,3), ... when NVLink pairing is
// enabled; an odd trailing device has no peer.
func (p *SimulatedProvider) TopologyPeers(index int) ([]int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkIndex(index); err != nil {
		return nil, err
	}

	if !p.nvlinkPairs {
		return nil, nil
	}

	peer := index ^ 1
	if peer >= len(p.utilization) {
		return nil, nil
	}

	return []int{peer}, nil
}

func (p *SimulatedProvider) checkIndex(index int) error {
	if index < 0 || index >= len(p.utilization) {
		return scheduling.ErrDeviceNotFound
	}

	if p.readFailures[index] {
		return scheduling.ErrDeviceFailed
	}

	return nil
}

// SetUtilization overrides the reported utilization of a device.
func (p *SimulatedProvider) SetUtilization(index int, pct float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.utilization[index] = pct
}

// SetTemperature overrides the reported temperature of a device.
func (p *SimulatedProvider) SetTemperature(index int, celsius float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.temperature[index] = celsius
}

// SetMemoryUsed overrides the reported hardware memory usage of a device.
func (p *SimulatedProvider) SetMemoryUsed(index int, used uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.memUsed[index] = used
}

// SetReadFailure makes every telemetry read of the device fail until cleared,
// simulating a device that has fallen off the bus.
func (p *SimulatedProvider) SetReadFailure(index int, failing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.readFailures[index] = failing
}
