package tiers

import (
	"encoding/json"
	"testing"
)

func TestOrderedIsStrictlyIncreasing(t *testing.T) {
	for i := 1; i < len(Ordered); i++ {
		if Ordered[i] <= Ordered[i-1] {
			t.Fatalf("tier %s not above %s", Ordered[i], Ordered[i-1])
		}
	}
	if Ordered[0] != Anonymous || Ordered[len(Ordered)-1] != Enterprise {
		t.Fatalf("unexpected bounds: %v", Ordered)
	}
}

func TestParse(t *testing.T) {
	cases := map[string]Tier{
		"":           None,
		"none":       None,
		" Growth ":   Growth,
		"ENTERPRISE": Enterprise,
		"anonymous":  Anonymous,
		"business":   Business,
	}
	for in, want := range cases {
		got, ok := Parse(in)
		if !ok || got != want {
			t.Fatalf("Parse(%q) = %v,%v want %v", in, got, ok, want)
		}
	}
	if _, ok := Parse("platinum"); ok {
		t.Fatalf("expected unknown tier to fail")
	}
}

func TestSubscribable(t *testing.T) {
	if Anonymous.Subscribable() || None.Subscribable() {
		t.Fatalf("anonymous/none must not be purchasable")
	}
	if !Pro.Subscribable() {
		t.Fatalf("pro must be purchasable")
	}
}

func TestJSONRoundTripUsesNames(t *testing.T) {
	b, err := json.Marshal(struct {
		T Tier `json:"tier"`
	}{T: Team})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"tier":"team"}` {
		t.Fatalf("unexpected json %s", b)
	}
	var out struct {
		T Tier `json:"tier"`
	}
	if err := json.Unmarshal([]byte(`{"tier":"pro"}`), &out); err != nil || out.T != Pro {
		t.Fatalf("unmarshal: %v %v", out.T, err)
	}
}
