package plugin

import "testing"

func TestNormalizeBelow2(t *testing.T) {
	cases := map[string]bool{
		"1.0.0": true,
		"1.9.9": true,
		"2.0.0": false,
		"3.1.0": false,
		"garbage": false,
	}
	for v, want := range cases {
		if got := normalizeBelow2(v); got != want {
			t.Errorf("normalizeBelow2(%q) = %v, want %v", v, got, want)
		}
	}
}

func TestABITableCoversRequiredSymbols(t *testing.T) {
	for _, kind := range []Kind{KindSouth, KindNorth, KindFilter, KindStorage, KindNotificationRule, KindNotificationDelivery} {
		if len(abiByKind[kind]) == 0 {
			t.Errorf("kind %s has no ABI symbols registered", kind)
		}
	}
}
