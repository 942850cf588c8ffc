package redis

import (
	"slices"
	"testing"
	"time"
)

func TestReadyOrder(t *testing.T) {
	k := keys{prefix: "p:"}

	tests := []struct {
		name    string
		members []string
		want    []string
	}{
		{"empty still pops priority zero", nil, []string{"p:ready:0"}},
		{"highest first", []string{"100", "1", "0"}, []string{"p:ready:100", "p:ready:1", "p:ready:0"}},
		{"negative after zero", []string{"-5", "3"}, []string{"p:ready:3", "p:ready:0", "p:ready:-5"}},
		{"duplicates and junk dropped", []string{"7", "7", "x"}, []string{"p:ready:7", "p:ready:0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := k.readyOrder(tt.members); !slices.Equal(got, tt.want) {
				t.Errorf("readyOrder(%v) = %v, want %v", tt.members, got, tt.want)
			}
		})
	}
}

func TestBlockFor(t *testing.T) {
	if got := blockFor(0); got <= 0 {
		t.Errorf("blockFor(0) = %v, must not block forever", got)
	}
	if got := blockFor(2 * time.Second); got != 2*time.Second {
		t.Errorf("blockFor(2s) = %v", got)
	}
}

func TestKeys(t *testing.T) {
	k := keys{prefix: "p:"}
	if k.token("a") != "p:token:a" || k.message("m") != "p:msg:m" || k.ready(3) != "p:ready:3" ||
		k.delayed() != "p:delayed" || k.priorities() != "p:priorities" {
		t.Error("unexpected key layout")
	}
}

func TestDefaultPrefixIsHashTagged(t *testing.T) {
	if defaultPrefix[0] != '{' {
		t.Errorf("default prefix %q must be a Cluster hash tag", defaultPrefix)
	}
}
