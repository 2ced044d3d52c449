//go:build !mediadevices

package media

import "context"

type DeviceSource struct{}

func NewDeviceSource() (*DeviceSource, error) {
	return nil, ErrDeviceUnsupported
}

func (s *DeviceSource) Codecs() CodecRegistrar { return nil }

func (s *DeviceSource) GetUserMedia(context.Context, Constraints) (*Stream, error) {
	return nil, ErrDeviceUnsupported
}

func (s *DeviceSource) VideoInputs(context.Context) (int, error) {
	return 0, ErrDeviceUnsupported
}
