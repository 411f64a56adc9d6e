package plugin

import (
	"fmt"

	"github.com/edgeflow/pipeline/pkg/reading"
)

// The function types below are the Go-native shape of §4.2/§6's south
// ABI. A loaded .so exposing symbols with these exact signatures is
// resolvable through Handle.Resolve; a mismatched signature is treated
// the same as a missing symbol is elsewhere in this package — reported,
// not panicked on.
type (
	SouthInitFunc            func(configJSON string) (interface{}, error)
	SouthPollFunc            func(instance interface{}) (*reading.Reading, error)
	SouthRegisterIngestFunc  func(instance interface{}, cb func(*reading.Reading)) error
	SouthStartFunc           func(instance interface{}) error
	SouthReconfigureFunc     func(instance interface{}, configJSON string) (interface{}, error)
	SouthShutdownFunc        func(instance interface{})
)

// SouthInstance is one running instance of a loaded south plugin: the
// handle plus the opaque pointer plugin_init returned.
type SouthInstance struct {
	handle   *Handle
	instance interface{}
}

// InitSouth calls plugin_init on h and wraps the result. A nil instance
// is fatal to the load, per §4.2.
func InitSouth(h *Handle, configJSON string) (*SouthInstance, error) {
	sym, ok := h.Resolve(SymPluginInit)
	if !ok {
		return nil, fmt.Errorf("plugin: %s missing %s", h.Info.Name, SymPluginInit)
	}
	initFn, ok := sym.(SouthInitFunc)
	if !ok {
		return nil, fmt.Errorf("plugin: %s %s has unexpected signature", h.Info.Name, SymPluginInit)
	}
	instance, err := initFn(configJSON)
	if err != nil {
		return nil, err
	}
	if instance == nil {
		return nil, ErrPluginInitFailed
	}
	return &SouthInstance{handle: h, instance: instance}, nil
}

// Poll calls plugin_poll once, for pull-mode south plugins.
func (s *SouthInstance) Poll() (*reading.Reading, error) {
	sym, ok := s.handle.Resolve(SymPluginPoll)
	if !ok {
		return nil, fmt.Errorf("plugin: %s does not implement %s", s.handle.Info.Name, SymPluginPoll)
	}
	fn, ok := sym.(SouthPollFunc)
	if !ok {
		return nil, fmt.Errorf("plugin: %s %s has unexpected signature", s.handle.Info.Name, SymPluginPoll)
	}
	return fn(s.instance)
}

// StartAsync registers cb and starts the plugin's own push loop, for
// push-mode south plugins.
func (s *SouthInstance) StartAsync(cb func(*reading.Reading)) error {
	regSym, ok := s.handle.Resolve(SymPluginRegisterIngest)
	if !ok {
		return fmt.Errorf("plugin: %s does not implement %s", s.handle.Info.Name, SymPluginRegisterIngest)
	}
	regFn, ok := regSym.(SouthRegisterIngestFunc)
	if !ok {
		return fmt.Errorf("plugin: %s %s has unexpected signature", s.handle.Info.Name, SymPluginRegisterIngest)
	}
	if err := regFn(s.instance, cb); err != nil {
		return err
	}

	startSym, ok := s.handle.Resolve(SymPluginStart)
	if !ok {
		return fmt.Errorf("plugin: %s missing %s", s.handle.Info.Name, SymPluginStart)
	}
	startFn, ok := startSym.(SouthStartFunc)
	if !ok {
		return fmt.Errorf("plugin: %s %s has unexpected signature", s.handle.Info.Name, SymPluginStart)
	}
	return startFn(s.instance)
}

// Reconfigure calls plugin_reconfigure, replacing the instance pointer
// with whatever the plugin returns (some plugins swap state wholesale
// rather than mutate in place).
func (s *SouthInstance) Reconfigure(configJSON string) error {
	sym, ok := s.handle.Resolve(SymPluginReconfigure)
	if !ok {
		return nil
	}
	fn, ok := sym.(SouthReconfigureFunc)
	if !ok {
		return fmt.Errorf("plugin: %s %s has unexpected signature", s.handle.Info.Name, SymPluginReconfigure)
	}
	instance, err := fn(s.instance, configJSON)
	if err != nil {
		return err
	}
	s.instance = instance
	return nil
}

// Shutdown calls plugin_shutdown if present.
func (s *SouthInstance) Shutdown() {
	sym, ok := s.handle.Resolve(SymPluginShutdown)
	if !ok {
		return
	}
	if fn, ok := sym.(SouthShutdownFunc); ok {
		fn(s.instance)
	}
}
