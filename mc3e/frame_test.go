package mc3e

import (
	"errors"
	"testing"
)

func mustRun(t *testing.T, addrs ...string) Run {
	t.Helper()
	runs := GroupContinuousAddresses(parseAll(t, addrs...))
	if len(runs) != 1 {
		t.Fatalf("expected a single run for %v, got %d", addrs, len(runs))
	}
	return runs[0]
}

func TestBuildReadFrame(t *testing.T) {
	tests := []struct {
		name string
		run  Run
		want string
	}{
		{
			name: "word run",
			run:  mustRun(t, "D100", "D101", "D102"),
			want: "500000FF03FF000018001004010000D*0001000003",
		},
		{
			name: "bit run",
			run:  mustRun(t, "M0"),
			want: "500000FF03FF000018001004010001M*0000000001",
		},
		{
			name: "hex extension head",
			run:  mustRun(t, "W327C"),
			want: "500000FF03FF000018001004010000W*00327C0001",
		},
		{
			name: "two char device code",
			run:  mustRun(t, "TN5"),
			want: "500000FF03FF000018001004010000TN0000050001",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := buildReadFrame(tt.run)
			if err != nil {
				t.Fatalf("buildReadFrame: %v", err)
			}
			if string(frame) != tt.want {
				t.Errorf("frame mismatch:\n got  %s\n want %s", frame, tt.want)
			}
		})
	}

	t.Run("unknown family", func(t *testing.T) {
		r := Run{Family: "Q", Start: 0, Count: 1, Addrs: parseAll(t, "D0")}
		if _, err := buildReadFrame(r); err == nil {
			t.Error("expected error for unknown family")
		}
	})
}

func TestParseReadResponse(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		data, err := parseReadResponse([]byte("D00000FF03FF0000100000000A000B000C"))
		if err != nil {
			t.Fatalf("parseReadResponse: %v", err)
		}
		if data != "000A000B000C" {
			t.Errorf("data = %q", data)
		}
	})

	t.Run("completion code", func(t *testing.T) {
		_, err := parseReadResponse([]byte("D00000FF03FF000004C051"))
		var pe *ProtocolError
		if !errors.As(err, &pe) {
			t.Fatalf("expected ProtocolError, got %v", err)
		}
		if pe.Code != 0xC051 {
			t.Errorf("code = 0x%04X, want 0xC051", pe.Code)
		}
	})

	t.Run("short frame", func(t *testing.T) {
		if _, err := parseReadResponse([]byte("D000")); !errors.Is(err, ErrRead) {
			t.Errorf("expected ErrRead, got %v", err)
		}
	})

	t.Run("bad subheader", func(t *testing.T) {
		if _, err := parseReadResponse([]byte("500000FF03FF0000040000")); !errors.Is(err, ErrRead) {
			t.Errorf("expected ErrRead, got %v", err)
		}
	})

	t.Run("truncated body", func(t *testing.T) {
		if _, err := parseReadResponse([]byte("D00000FF03FF0000100000000A")); !errors.Is(err, ErrRead) {
			t.Errorf("expected ErrRead, got %v", err)
		}
	})
}

func TestDecodeWords(t *testing.T) {
	t.Run("values", func(t *testing.T) {
		got, err := decodeWords("000A000B000C", 3)
		if err != nil {
			t.Fatalf("decodeWords: %v", err)
		}
		want := []int16{10, 11, 12}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("word %d = %d, want %d", i, got[i], want[i])
			}
		}
	})

	t.Run("signed", func(t *testing.T) {
		got, err := decodeWords("FFFE7FFF8000", 3)
		if err != nil {
			t.Fatalf("decodeWords: %v", err)
		}
		want := []int16{-2, 32767, -32768}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("word %d = %d, want %d", i, got[i], want[i])
			}
		}
	})

	t.Run("short data", func(t *testing.T) {
		if _, err := decodeWords("000A", 2); !errors.Is(err, ErrRead) {
			t.Errorf("expected ErrRead, got %v", err)
		}
	})

	t.Run("bad hex", func(t *testing.T) {
		if _, err := decodeWords("ZZZZ", 1); !errors.Is(err, ErrRead) {
			t.Errorf("expected ErrRead, got %v", err)
		}
	})
}

func TestDecodeBits(t *testing.T) {
	t.Run("values", func(t *testing.T) {
		got, err := decodeBits("0110", 4)
		if err != nil {
			t.Fatalf("decodeBits: %v", err)
		}
		want := []bool{false, true, true, false}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("bit %d = %v, want %v", i, got[i], want[i])
			}
		}
	})

	t.Run("bad char", func(t *testing.T) {
		if _, err := decodeBits("2", 1); !errors.Is(err, ErrRead) {
			t.Errorf("expected ErrRead, got %v", err)
		}
	})

	t.Run("short data", func(t *testing.T) {
		if _, err := decodeBits("01", 3); !errors.Is(err, ErrRead) {
			t.Errorf("expected ErrRead, got %v", err)
		}
	})
}
