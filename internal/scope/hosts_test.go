package scope

import "testing"

func TestAreWorkerHostsEquivalent(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"Bens-MBP", "bens-mbp.local", true},
		{"f8152f2e162b", "bens-mbp.local", false},
		{"f8152f2e162b", "F8152F2E162B", true},
		{"bens-mbp.lan", "bens-mbp.local", true},
		{"http://bens-mbp.local:3000/x", "BENS-MBP", true},
		{"alice-laptop", "bens-mbp", false},
		{"", "bens-mbp", false},
		{"f8152f2e162b.internal", "f8152f2e162b", false},
	}
	for _, tt := range tests {
		if got := AreWorkerHostsEquivalent(tt.a, tt.b); got != tt.want {
			t.Errorf("AreWorkerHostsEquivalent(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestNormalizeWorkerHost(t *testing.T) {
	tests := map[string]string{
		"Bens-MBP.local":              "bens-mbp",
		"bens-mbp.local.":             "bens-mbp",
		"wss://Host.Example:7880/rtc": "host.example",
		"host.example:9000":           "host.example",
		"  ":                          "",
	}
	for in, want := range tests {
		if got := NormalizeWorkerHost(in); got != want {
			t.Errorf("NormalizeWorkerHost(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHostAliases(t *testing.T) {
	got := HostAliases("Bens-MBP.lan")
	if len(got) != 2 || got[0] != "bens-mbp.lan" || got[1] != "bens-mbp" {
		t.Fatalf("aliases = %v", got)
	}
	if got := HostAliases("f8152f2e162b"); len(got) != 1 {
		t.Fatalf("machine id aliases = %v", got)
	}
	if got := HostAliases(""); got != nil {
		t.Fatalf("empty aliases = %v", got)
	}
	keys := SkipHostKeysFor("bens-mbp.local")
	if len(keys) != 1 || keys[0] != "skip-host:bens-mbp" {
		t.Fatalf("keys = %v", keys)
	}
}
