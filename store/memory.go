package store

import (
	"context"
	"sort"
	"sync"

	"imbridge-server/domain"
)

// Memory keeps device records in process memory. Records are copied in and
// out so callers never share an image with the store.
type Memory struct {
	mu      sync.RWMutex
	devices map[string]domain.Device
}

func NewMemory() *Memory {
	return &Memory{
		devices: make(map[string]domain.Device),
	}
}

func (s *Memory) Get(_ context.Context, id string) (domain.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dev, ok := s.devices[id]
	if !ok {
		return domain.Device{}, domain.ErrDeviceNotFound
	}
	return clone(dev), nil
}

func (s *Memory) GetOrCreate(_ context.Context, id string) (domain.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.devices[id]
	if !ok {
		dev = domain.NewDevice(id)
		s.devices[id] = dev
	}
	return clone(dev), nil
}

func (s *Memory) Upsert(_ context.Context, id string, st domain.State) (domain.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.devices[id]
	if !ok {
		dev = domain.NewDevice(id)
	}
	dev.Name = st.Name
	dev.Image = st.Image.Clone()
	dev.Brightness = st.Brightness
	dev.IsOn = st.IsOn
	s.devices[id] = dev

	return clone(dev), nil
}

func (s *Memory) SetConnected(_ context.Context, id string, connected bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.devices[id]
	if !ok {
		return domain.ErrDeviceNotFound
	}
	dev.IsConnected = connected
	s.devices[id] = dev
	return nil
}

func (s *Memory) List(_ context.Context) ([]domain.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Device, 0, len(s.devices))
	for _, dev := range s.devices {
		out = append(out, clone(dev))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Put stores dev as is, replacing any existing record.
func (s *Memory) Put(dev domain.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[dev.ID] = clone(dev)
}

func (s *Memory) Close() error { return nil }

func clone(dev domain.Device) domain.Device {
	dev.Image = dev.Image.Clone()
	return dev
}
