package market

import "testing"

func TestParseName_Valid(t *testing.T) {
	n, err := ParseName("SOL/fBTC/USDG")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Index != "SOL" {
		t.Errorf("expected index=SOL, got %s", n.Index)
	}
	if n.Long != "fBTC" {
		t.Errorf("expected long=fBTC, got %s", n.Long)
	}
	if n.Short != "USDG" {
		t.Errorf("expected short=USDG, got %s", n.Short)
	}
	if n.IsPure() {
		t.Error("SOL/fBTC/USDG should not be pure")
	}
}

func TestParseName_InvalidFormat(t *testing.T) {
	tests := []string{
		"",
		"INVALID",
		"SOL/USDG",
		"SOL/fBTC/USDG/EXTRA",
		"SOL//USDG",
		"SOL/f BTC/USDG",
		"THIS_SYMBOL_IS_WAY_TOO_LONG/fBTC/USDG",
	}
	for _, name := range tests {
		if _, err := ParseName(name); err == nil {
			t.Errorf("expected error for name %q", name)
		}
	}
}

func TestParseName_Pure(t *testing.T) {
	n, err := ParseName("fBTC/fBTC/fBTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !n.IsPure() {
		t.Error("expected pure market")
	}
	if got := FormatName(n.Index, n.Long, n.Short); got != n.Raw {
		t.Errorf("format round trip = %s", got)
	}
}
