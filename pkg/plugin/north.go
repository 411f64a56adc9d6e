package plugin

import (
	"fmt"

	"github.com/edgeflow/pipeline/pkg/reading"
)

type (
	NorthInitFunc     func(configJSON string) (interface{}, error)
	NorthStartFunc    func(instance interface{}) error
	NorthSendFunc     func(instance interface{}, batch []*reading.Reading) (int, error)
	NorthShutdownFunc func(instance interface{})
)

// NorthInstance wraps a loaded north plugin: an alternative to the
// built-in OMF transmit engine (C8) for destinations with no OMF ABI of
// their own, per §6's north plugin ABI.
type NorthInstance struct {
	handle   *Handle
	instance interface{}
}

func InitNorth(h *Handle, configJSON string) (*NorthInstance, error) {
	sym, ok := h.Resolve(SymPluginInit)
	if !ok {
		return nil, fmt.Errorf("plugin: %s missing %s", h.Info.Name, SymPluginInit)
	}
	initFn, ok := sym.(NorthInitFunc)
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
	return &NorthInstance{handle: h, instance: instance}, nil
}

func (n *NorthInstance) Start() error {
	sym, ok := n.handle.Resolve(SymPluginStart)
	if !ok {
		return fmt.Errorf("plugin: %s missing %s", n.handle.Info.Name, SymPluginStart)
	}
	fn, ok := sym.(NorthStartFunc)
	if !ok {
		return fmt.Errorf("plugin: %s %s has unexpected signature", n.handle.Info.Name, SymPluginStart)
	}
	return fn(n.instance)
}

// Send calls plugin_send with batch and returns the count the plugin
// reports as sent, per §6's north ABI. A short count (fewer accepted
// than offered) is returned as-is, not as an error.
func (n *NorthInstance) Send(batch []*reading.Reading) (int, error) {
	sym, ok := n.handle.Resolve(SymPluginSend)
	if !ok {
		return 0, fmt.Errorf("plugin: %s missing %s", n.handle.Info.Name, SymPluginSend)
	}
	fn, ok := sym.(NorthSendFunc)
	if !ok {
		return 0, fmt.Errorf("plugin: %s %s has unexpected signature", n.handle.Info.Name, SymPluginSend)
	}
	return fn(n.instance, batch)
}

func (n *NorthInstance) Shutdown() {
	sym, ok := n.handle.Resolve(SymPluginShutdown)
	if !ok {
		return
	}
	if fn, ok := sym.(NorthShutdownFunc); ok {
		fn(n.instance)
	}
}
