// Package plugin implements the plugin host (C2): discovery, loading, and
// ABI symbol resolution for south/north/filter/storage/notification
// plugins. Grounded on the teacher's CGO-handle style of wrapping an
// opaque native resource behind a small Go struct with a mutex
// (pkg/core/tdb.go): here the opaque resource is a loaded Go plugin
// (stdlib "plugin" package) rather than a Rust library, since §4.2 only
// requires native plugins to be emulated (the Python/embedded-script
// runtime is explicitly not required, per spec §9).
package plugin

import (
	"errors"
	"fmt"
	"path/filepath"
	"plugin"
	"sync"
)

// Kind is the plugin category, matching the directories plugins are
// discovered under.
type Kind string

const (
	KindSouth                 Kind = "south"
	KindNorth                 Kind = "north"
	KindFilter                Kind = "filter"
	KindStorage               Kind = "storage"
	KindNotificationRule      Kind = "notificationRule"
	KindNotificationDelivery  Kind = "notificationDelivery"
)

// Symbol names making up the fixed ABI set of §4.2.
const (
	SymPluginInfo        = "plugin_info"
	SymPluginInit        = "plugin_init"
	SymPluginShutdown    = "plugin_shutdown"
	SymPluginReconfigure = "plugin_reconfigure"

	SymPluginPoll            = "plugin_poll"
	SymPluginRegisterIngest  = "plugin_register_ingest"
	SymPluginStart           = "plugin_start"
	SymPluginSend            = "plugin_send"
	SymPluginIngest          = "plugin_ingest"
	SymPluginShutdownSave    = "plugin_shutdown_save_data"

	SymCommonInsert   = "plugin_common_insert"
	SymCommonRetrieve = "plugin_common_retrieve"
	SymCommonUpdate   = "plugin_common_update"
	SymCommonDelete   = "plugin_common_delete"

	SymReadingAppend     = "plugin_reading_append"
	SymReadingFetch      = "plugin_reading_fetch"
	SymReadingRetrieve   = "plugin_reading_retrieve"
	SymReadingPurge      = "plugin_reading_purge"
	SymReadingPurgeAsset = "plugin_reading_purge_asset"
	SymReadingStream     = "plugin_readingStream"
	SymCreateSchema      = "plugin_createSchema"
	SymCreateSnapshot    = "plugin_create_table_snapshot"
	SymLoadSnapshot      = "plugin_load_table_snapshot"
	SymDeleteSnapshot    = "plugin_delete_table_snapshot"

	SymTriggers = "plugin_triggers"
	SymEval     = "plugin_eval"
	SymReason   = "plugin_reason"
	SymDeliver  = "plugin_deliver"
)

// abiByKind lists the symbols §4.2 requires resolvable for each kind,
// beyond the four common lifecycle symbols every plugin must expose.
var abiByKind = map[Kind][]string{
	KindSouth:                {SymPluginPoll, SymPluginRegisterIngest, SymPluginStart},
	KindNorth:                {SymPluginStart, SymPluginSend},
	KindFilter:               {SymPluginIngest, SymPluginShutdownSave},
	KindStorage: {
		SymCommonInsert, SymCommonRetrieve, SymCommonUpdate, SymCommonDelete,
		SymReadingAppend, SymReadingFetch, SymReadingRetrieve, SymReadingPurge,
		SymReadingPurgeAsset, SymReadingStream, SymCreateSchema,
		SymCreateSnapshot, SymLoadSnapshot, SymDeleteSnapshot,
	},
	KindNotificationRule:     {SymTriggers, SymEval, SymReason},
	KindNotificationDelivery: {SymDeliver},
}

var commonABI = []string{SymPluginInfo, SymPluginInit, SymPluginShutdown, SymPluginReconfigure}

// PluginInformation is returned by plugin_info.
type PluginInformation struct {
	Name             string
	Version          string
	Type             Kind
	InterfaceVersion string
	Flags            uint32
	DefaultConfigJSON string
}

var (
	// ErrPluginInitFailed reports plugin_init returning a nil handle,
	// which §4.2 treats as fatal for that plugin load.
	ErrPluginInitFailed = errors.New("plugin: plugin_init returned nil handle")
	// ErrNotFound reports a plugin with the given name/kind not found in
	// any configured plugin directory.
	ErrNotFound = errors.New("plugin: not found in any configured directory")
)

// Handle is a loaded, never-relocated plugin instance.
type Handle struct {
	Info    PluginInformation
	symbols map[string]plugin.Symbol
	native  *plugin.Plugin
}

// Resolve looks up symbol in the ABI set. A missing symbol is reported
// (ok=false) but is not by itself fatal to the load, per §4.2.
func (h *Handle) Resolve(symbol string) (plugin.Symbol, bool) {
	sym, ok := h.symbols[symbol]
	return sym, ok
}

// Host discovers, loads, and tracks plugin handles.
type Host struct {
	mu        sync.RWMutex
	dirsByKind map[Kind][]string
	loaded    map[string]*Handle // "kind/name" -> handle, never relocated
}

// NewHost creates a plugin host that searches dirsByKind for candidates.
func NewHost(dirsByKind map[Kind][]string) *Host {
	return &Host{
		dirsByKind: dirsByKind,
		loaded:     make(map[string]*Handle),
	}
}

// Load searches the configured directories for name of the given kind,
// resolves the fixed ABI symbol set, and normalizes the interface
// version (a version below "2.0.0" is upgraded to "2.0.0" to unify
// downstream code paths, per §4.2).
func (h *Host) Load(name string, kind Kind) (*Handle, error) {
	key := string(kind) + "/" + name
	h.mu.RLock()
	if existing, ok := h.loaded[key]; ok {
		h.mu.RUnlock()
		return existing, nil
	}
	h.mu.RUnlock()

	var lastErr error
	for _, dir := range h.dirsByKind[kind] {
		candidate := filepath.Join(dir, name+".so")
		native, err := plugin.Open(candidate)
		if err != nil {
			lastErr = err
			continue
		}

		handle, err := h.build(native, kind)
		if err != nil {
			return nil, err
		}

		h.mu.Lock()
		h.loaded[key] = handle
		h.mu.Unlock()
		return handle, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %s (%s): %v", ErrNotFound, name, kind, lastErr)
	}
	return nil, fmt.Errorf("%w: %s (%s)", ErrNotFound, name, kind)
}

func (h *Host) build(native *plugin.Plugin, kind Kind) (*Handle, error) {
	handle := &Handle{symbols: make(map[string]plugin.Symbol), native: native}

	for _, name := range append(append([]string{}, commonABI...), abiByKind[kind]...) {
		sym, err := native.Lookup(name)
		if err != nil {
			continue // missing symbol is reported, not fatal; Resolve() reflects absence
		}
		handle.symbols[name] = sym
	}

	infoSym, ok := handle.symbols[SymPluginInfo]
	if !ok {
		return nil, fmt.Errorf("plugin: %s missing required symbol", SymPluginInfo)
	}
	infoFn, ok := infoSym.(func() PluginInformation)
	if !ok {
		return nil, fmt.Errorf("plugin: %s has unexpected signature", SymPluginInfo)
	}
	info := infoFn()
	if normalizeBelow2(info.InterfaceVersion) {
		info.InterfaceVersion = "2.0.0"
	}
	info.Type = kind
	handle.Info = info
	return handle, nil
}

// normalizeBelow2 reports whether v looks like a version under "2.0.0".
// Only the major component is consulted, matching the spec's "bump below
// 2.0 up to 2.0.0" normalization.
func normalizeBelow2(v string) bool {
	var major int
	_, err := fmt.Sscanf(v, "%d.", &major)
	if err != nil {
		return false
	}
	return major < 2
}
