package plugin

import (
	"plugin"
	"testing"

	"github.com/edgeflow/pipeline/pkg/reading"
)

func TestInitNorthMissingInit(t *testing.T) {
	h := handleWithSymbols(nil)
	if _, err := InitNorth(h, "{}"); err == nil {
		t.Fatal("expected error for missing plugin_init")
	}
}

func TestNorthStartAndSend(t *testing.T) {
	started := false
	h := handleWithSymbols(map[string]plugin.Symbol{
		SymPluginInit: NorthInitFunc(func(string) (interface{}, error) { return "conn", nil }),
		SymPluginStart: NorthStartFunc(func(instance interface{}) error {
			started = true
			return nil
		}),
		SymPluginSend: NorthSendFunc(func(instance interface{}, batch []*reading.Reading) (int, error) {
			return len(batch), nil
		}),
	})
	inst, err := InitNorth(h, "{}")
	if err != nil {
		t.Fatalf("InitNorth: %v", err)
	}
	if err := inst.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !started {
		t.Fatal("plugin_start was not called")
	}

	batch := []*reading.Reading{{Asset: "a"}, {Asset: "b"}}
	n, err := inst.Send(batch)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n != len(batch) {
		t.Errorf("got %d sent, want %d", n, len(batch))
	}
}

func TestNorthSendPartialCount(t *testing.T) {
	h := handleWithSymbols(map[string]plugin.Symbol{
		SymPluginInit: NorthInitFunc(func(string) (interface{}, error) { return "conn", nil }),
		SymPluginSend: NorthSendFunc(func(instance interface{}, batch []*reading.Reading) (int, error) {
			return len(batch) - 1, nil
		}),
	})
	inst, err := InitNorth(h, "{}")
	if err != nil {
		t.Fatalf("InitNorth: %v", err)
	}
	batch := []*reading.Reading{{Asset: "a"}, {Asset: "b"}}
	n, err := inst.Send(batch)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n != 1 {
		t.Errorf("got %d sent, want 1 (short count reported, not an error)", n)
	}
}

func TestNorthSendMissingSymbol(t *testing.T) {
	h := handleWithSymbols(map[string]plugin.Symbol{
		SymPluginInit: NorthInitFunc(func(string) (interface{}, error) { return "conn", nil }),
	})
	inst, err := InitNorth(h, "{}")
	if err != nil {
		t.Fatalf("InitNorth: %v", err)
	}
	if _, err := inst.Send(nil); err == nil {
		t.Fatal("expected error for missing plugin_send")
	}
}

func TestNorthShutdownAbsentDoesNotPanic(t *testing.T) {
	h := handleWithSymbols(map[string]plugin.Symbol{
		SymPluginInit: NorthInitFunc(func(string) (interface{}, error) { return "conn", nil }),
	})
	inst, err := InitNorth(h, "{}")
	if err != nil {
		t.Fatalf("InitNorth: %v", err)
	}
	inst.Shutdown()
}
