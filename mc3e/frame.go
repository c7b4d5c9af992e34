package mc3e

import (
	"fmt"
	"strconv"
	"strings"
)

// 3E ASCII frame fields. Every field is hex characters on the wire.
const (
	reqSubheader  = "5000"
	respSubheader = "D000"

	networkNo   = "00"
	pcNo        = "FF"
	destModule  = "03FF"
	destStation = "00"

	// Monitoring timer in 250ms units.
	cpuTimer = "0010"

	cmdBatchRead = "0401"
	subWordUnits = "0000"
	subBitUnits  = "0001"
)

const (
	reqHeaderLen  = 18 // subheader..station + 4-char data length
	respHeaderLen = 18
)

// buildReadFrame assembles the batch-read request for one run. Word
// families use word-unit subcommands; bit families use bit units.
func buildReadFrame(r Run) ([]byte, error) {
	code, ok := deviceCodes[r.Family]
	if !ok {
		return nil, fmt.Errorf("unknown device family %q", r.Family)
	}

	sub := subWordUnits
	if IsBitFamily(r.Family) {
		sub = subBitUnits
	}

	head := r.Addrs[0].DeviceText()
	if len(head) > 6 {
		return nil, fmt.Errorf("device number %q exceeds 6 characters", head)
	}
	head = strings.Repeat("0", 6-len(head)) + head

	data := cpuTimer + cmdBatchRead + sub + code + head + fmt.Sprintf("%04X", r.Count)
	frame := reqSubheader + networkNo + pcNo + destModule + destStation +
		fmt.Sprintf("%04X", len(data)) + data
	return []byte(frame), nil
}

// parseReadResponse validates a full response frame and returns the data
// characters after the completion code. A non-zero completion code becomes
// a ProtocolError.
func parseReadResponse(frame []byte) (string, error) {
	s := string(frame)
	if len(s) < respHeaderLen+4 {
		return "", fmt.Errorf("%w: short response (%d chars)", ErrRead, len(s))
	}
	if s[0:4] != respSubheader {
		return "", fmt.Errorf("%w: bad subheader %q", ErrRead, s[0:4])
	}

	n, err := strconv.ParseUint(s[14:18], 16, 32)
	if err != nil {
		return "", fmt.Errorf("%w: bad length field %q", ErrRead, s[14:18])
	}
	if len(s) < respHeaderLen+int(n) {
		return "", fmt.Errorf("%w: truncated response: declared %d, have %d",
			ErrRead, n, len(s)-respHeaderLen)
	}

	body := s[respHeaderLen : respHeaderLen+int(n)]
	code, err := strconv.ParseUint(body[0:4], 16, 16)
	if err != nil {
		return "", fmt.Errorf("%w: bad completion code %q", ErrRead, body[0:4])
	}
	if code != 0 {
		return "", &ProtocolError{Code: uint16(code)}
	}
	return body[4:], nil
}

// decodeWords converts 4-hex-char groups into signed 16-bit values.
func decodeWords(data string, count int) ([]int16, error) {
	if len(data) < count*4 {
		return nil, fmt.Errorf("%w: want %d words, got %d chars", ErrRead, count, len(data))
	}
	out := make([]int16, count)
	for i := 0; i < count; i++ {
		w, err := strconv.ParseUint(data[i*4:i*4+4], 16, 16)
		if err != nil {
			return nil, fmt.Errorf("%w: bad word data %q", ErrRead, data[i*4:i*4+4])
		}
		out[i] = int16(w)
	}
	return out, nil
}

// decodeBits converts one '0'/'1' character per point into booleans.
func decodeBits(data string, count int) ([]bool, error) {
	if len(data) < count {
		return nil, fmt.Errorf("%w: want %d bits, got %d chars", ErrRead, count, len(data))
	}
	out := make([]bool, count)
	for i := 0; i < count; i++ {
		switch data[i] {
		case '0':
		case '1':
			out[i] = true
		default:
			return nil, fmt.Errorf("%w: bad bit data %q", ErrRead, string(data[i]))
		}
	}
	return out, nil
}
