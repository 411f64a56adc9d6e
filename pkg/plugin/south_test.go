package plugin

import (
	"errors"
	"plugin"
	"testing"

	"github.com/edgeflow/pipeline/pkg/reading"
)

func handleWithSymbols(symbols map[string]plugin.Symbol) *Handle {
	return &Handle{Info: PluginInformation{Name: "test"}, symbols: symbols}
}

func TestInitSouthMissingInit(t *testing.T) {
	h := handleWithSymbols(nil)
	if _, err := InitSouth(h, "{}"); err == nil {
		t.Fatal("expected error for missing plugin_init")
	}
}

func TestInitSouthNilInstance(t *testing.T) {
	h := handleWithSymbols(map[string]plugin.Symbol{
		SymPluginInit: SouthInitFunc(func(string) (interface{}, error) { return nil, nil }),
	})
	if _, err := InitSouth(h, "{}"); !errors.Is(err, ErrPluginInitFailed) {
		t.Fatalf("got %v, want ErrPluginInitFailed", err)
	}
}

func TestSouthPoll(t *testing.T) {
	want := &reading.Reading{Asset: "sensor1"}
	h := handleWithSymbols(map[string]plugin.Symbol{
		SymPluginInit: SouthInitFunc(func(string) (interface{}, error) { return "state", nil }),
		SymPluginPoll: SouthPollFunc(func(instance interface{}) (*reading.Reading, error) {
			if instance != "state" {
				t.Fatalf("unexpected instance %v", instance)
			}
			return want, nil
		}),
	})
	inst, err := InitSouth(h, "{}")
	if err != nil {
		t.Fatalf("InitSouth: %v", err)
	}
	got, err := inst.Poll()
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if got.Asset != want.Asset {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestSouthPollNotImplemented(t *testing.T) {
	h := handleWithSymbols(map[string]plugin.Symbol{
		SymPluginInit: SouthInitFunc(func(string) (interface{}, error) { return "state", nil }),
	})
	inst, err := InitSouth(h, "{}")
	if err != nil {
		t.Fatalf("InitSouth: %v", err)
	}
	if _, err := inst.Poll(); err == nil {
		t.Fatal("expected error for missing plugin_poll")
	}
}

func TestSouthStartAsync(t *testing.T) {
	var registered func(*reading.Reading)
	started := false
	h := handleWithSymbols(map[string]plugin.Symbol{
		SymPluginInit: SouthInitFunc(func(string) (interface{}, error) { return "state", nil }),
		SymPluginRegisterIngest: SouthRegisterIngestFunc(func(instance interface{}, cb func(*reading.Reading)) error {
			registered = cb
			return nil
		}),
		SymPluginStart: SouthStartFunc(func(instance interface{}) error {
			started = true
			return nil
		}),
	})
	inst, err := InitSouth(h, "{}")
	if err != nil {
		t.Fatalf("InitSouth: %v", err)
	}
	var got *reading.Reading
	if err := inst.StartAsync(func(r *reading.Reading) { got = r }); err != nil {
		t.Fatalf("StartAsync: %v", err)
	}
	if !started {
		t.Fatal("plugin_start was not called")
	}
	registered(&reading.Reading{Asset: "pushed"})
	if got == nil || got.Asset != "pushed" {
		t.Fatalf("callback not wired correctly, got %+v", got)
	}
}

func TestSouthReconfigureReplacesInstance(t *testing.T) {
	h := handleWithSymbols(map[string]plugin.Symbol{
		SymPluginInit: SouthInitFunc(func(string) (interface{}, error) { return "v1", nil }),
		SymPluginReconfigure: SouthReconfigureFunc(func(instance interface{}, configJSON string) (interface{}, error) {
			return "v2", nil
		}),
	})
	inst, err := InitSouth(h, "{}")
	if err != nil {
		t.Fatalf("InitSouth: %v", err)
	}
	if err := inst.Reconfigure(`{"x":1}`); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	if inst.instance != "v2" {
		t.Fatalf("instance not replaced, got %v", inst.instance)
	}
}

func TestSouthReconfigureAbsentIsNoop(t *testing.T) {
	h := handleWithSymbols(map[string]plugin.Symbol{
		SymPluginInit: SouthInitFunc(func(string) (interface{}, error) { return "v1", nil }),
	})
	inst, err := InitSouth(h, "{}")
	if err != nil {
		t.Fatalf("InitSouth: %v", err)
	}
	if err := inst.Reconfigure(`{}`); err != nil {
		t.Fatalf("Reconfigure should be a no-op when unimplemented, got %v", err)
	}
}

func TestSouthShutdownAbsentDoesNotPanic(t *testing.T) {
	h := handleWithSymbols(map[string]plugin.Symbol{
		SymPluginInit: SouthInitFunc(func(string) (interface{}, error) { return "v1", nil }),
	})
	inst, err := InitSouth(h, "{}")
	if err != nil {
		t.Fatalf("InitSouth: %v", err)
	}
	inst.Shutdown()
}
