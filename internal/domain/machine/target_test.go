package machine_test

import (
	"testing"

	"github.com/sophialabs/kbeconsole/internal/domain/machine"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"ipv4 default port", "192.168.0.1", "192.168.0.1:20086", false},
		{"ipv4 explicit port", "10.0.0.1:30000", "10.0.0.1:30000", false},
		{"ipv6 bracketed", "[::1]:20087", "[::1]:20087", false},
		{"ipv6 bare", "::1", "[::1]:20086", false},
		{"surrounding spaces", "  172.16.0.1 ", "172.16.0.1:20086", false},
		{"hostname", "machine.local", "", true},
		{"garbage", "300.1.1.1", "", true},
		{"empty", "", "", true},
		{"zero port", "10.0.0.1:0", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := machine.ParseTarget(tt.input, 20086)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q, got %v", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.String() != tt.want {
				t.Errorf("ParseTarget(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseTargets_ExcludesMalformedAndDuplicates(t *testing.T) {
	targets, errs := machine.ParseTargets([]string{"192.168.0.1", "bogus", "10.0.0.1", "192.168.0.1:20086"}, 20086)
	if len(targets) != 2 {
		t.Fatalf("expected 2 targets, got %d: %v", len(targets), targets)
	}
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %d: %v", len(errs), errs)
	}
	if targets[0].String() != "192.168.0.1:20086" || targets[1].String() != "10.0.0.1:20086" {
		t.Errorf("unexpected targets: %v", targets)
	}
}

func TestTarget_Broadcast(t *testing.T) {
	var zero machine.Target
	if !zero.IsBroadcast() {
		t.Error("zero target should be broadcast")
	}
	if got := machine.TargetStrings(nil); len(got) != 1 || got[0] != "broadcast" {
		t.Errorf("expected [broadcast], got %v", got)
	}
}
