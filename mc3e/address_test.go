package mc3e

import (
	"testing"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    ParsedAddress
		wantErr bool
	}{
		{
			name:  "plain word",
			input: "D100",
			want:  ParsedAddress{Family: "D", Number: 100, Raw: "D100"},
		},
		{
			name:  "extension char",
			input: "W327C",
			want:  ParsedAddress{Family: "W", Number: 327, Ext: 'C', Raw: "W327C"},
		},
		{
			name:  "extension with numeric bit",
			input: "W327C.6",
			want:  ParsedAddress{Family: "W", Number: 327, Ext: 'C', HasBit: true, Bit: 6, Raw: "W327C.6"},
		},
		{
			name:  "extension with hex bit",
			input: "W327C.A",
			want:  ParsedAddress{Family: "W", Number: 327, Ext: 'C', HasBit: true, Bit: 10, Raw: "W327C.A"},
		},
		{
			name:  "bit on plain word",
			input: "D5.F",
			want:  ParsedAddress{Family: "D", Number: 5, HasBit: true, Bit: 15, Raw: "D5.F"},
		},
		{
			name:  "lowercase normalized",
			input: "  d100 ",
			want:  ParsedAddress{Family: "D", Number: 100, Raw: "D100"},
		},
		{
			name:  "two letter family",
			input: "SM400",
			want:  ParsedAddress{Family: "SM", Number: 400, Raw: "SM400"},
		},
		{name: "missing number", input: "D", wantErr: true},
		{name: "number first", input: "100D", wantErr: true},
		{name: "unknown family", input: "Q100", wantErr: true},
		{name: "bit out of range", input: "D100.G", wantErr: true},
		{name: "empty", input: "", wantErr: true},
		{name: "trailing dot", input: "D100.", wantErr: true},
		{name: "double bit", input: "D100.1.2", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseAddress(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q, got %+v", tc.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if *got != tc.want {
				t.Errorf("got %+v, want %+v", *got, tc.want)
			}
		})
	}
}

func TestParsedAddress_FormatRoundTrip(t *testing.T) {
	inputs := []string{"D100", "W327C", "W327C.6", "W327C.A", "M0", "SM400", "D5.F", "ZR12"}
	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			p, err := ParseAddress(in)
			if err != nil {
				t.Fatalf("parse error: %v", err)
			}
			if got := p.Format(); got != in {
				t.Errorf("round trip: got %q, want %q", got, in)
			}
		})
	}

	// Lower case round-trips to the upper-cased form.
	p, err := ParseAddress("w327c.a")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if got := p.Format(); got != "W327C.A" {
		t.Errorf("got %q, want W327C.A", got)
	}
}

func TestParsedAddress_Plain(t *testing.T) {
	plain, _ := ParseAddress("D100")
	if !plain.Plain() {
		t.Error("D100 should be plain")
	}
	ext, _ := ParseAddress("W327C")
	if ext.Plain() {
		t.Error("W327C should not be plain")
	}
	bit, _ := ParseAddress("D100.3")
	if bit.Plain() {
		t.Error("D100.3 should not be plain")
	}
}

func TestParsedAddress_DeviceText(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"D100", "100"},
		{"W327C", "327C"},
		{"M0", "0"},
		{"W327C.6", "327C"},
	}
	for _, tc := range tests {
		p, err := ParseAddress(tc.addr)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.addr, err)
		}
		if got := p.DeviceText(); got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.addr, got, tc.want)
		}
	}
}
