package bencode

import "strconv"

// Decode reads the single bencode value located at the start of data
// into v (the same contract as Unmarshal) and returns how many bytes
// that value occupied. Unlike Unmarshal, which requires data to be
// exactly one complete value, Decode tolerates trailing bytes after the
// value — callers that need to keep parsing whatever follows in the
// same buffer use this instead. The ut_metadata extension (BEP-9) needs
// exactly this: its data message is a bencoded header dict immediately
// followed by a raw trailing block with no bencode framing of its own.
func Decode(data []byte, v interface{}) (int, error) {
	n, err := valueLen(data)
	if err != nil {
		return 0, err
	}
	if err := Unmarshal(data[:n], v); err != nil {
		return 0, err
	}
	return n, nil
}

// valueLen returns the byte length of the single bencode value at the
// start of data, by direct recursive descent over the grammar. This is
// the one length/validity calculation the whole package builds on:
// scanner.go's checkValid, decode.go's skip of unwanted fields, and
// decode.go's capture of raw Unmarshaler byte ranges all call back into it rather than
// keeping a second notion of "how long is this value".
func valueLen(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, &SyntaxError{"unexpected end of bencode input", 0}
	}
	switch c := data[0]; {
	case c == 'i':
		return integerLen(data)
	case c == 'l':
		i := 1
		for {
			if i >= len(data) {
				return 0, &SyntaxError{"unterminated list", int64(i)}
			}
			if data[i] == 'e' {
				return i + 1, nil
			}
			n, err := valueLen(data[i:])
			if err != nil {
				return 0, err
			}
			i += n
		}
	case c == 'd':
		i := 1
		for {
			if i >= len(data) {
				return 0, &SyntaxError{"unterminated dict", int64(i)}
			}
			if data[i] == 'e' {
				return i + 1, nil
			}
			if data[i] < '0' || data[i] > '9' {
				return 0, &SyntaxError{"dict key must be a string", int64(i)}
			}
			kn, err := valueLen(data[i:])
			if err != nil {
				return 0, err
			}
			i += kn
			if i >= len(data) || data[i] == 'e' {
				return 0, &SyntaxError{"dict value missing", int64(i)}
			}
			vn, err := valueLen(data[i:])
			if err != nil {
				return 0, err
			}
			i += vn
		}
	case c >= '0' && c <= '9':
		j := 0
		for j < len(data) && data[j] != ':' {
			j++
		}
		if j >= len(data) {
			return 0, &SyntaxError{"malformed string length", int64(j)}
		}
		length, err := strconv.Atoi(string(data[:j]))
		if err != nil || length < 0 {
			return 0, &SyntaxError{"malformed string length", int64(j)}
		}
		end := j + 1 + length
		if end > len(data) {
			return 0, &SyntaxError{"unexpected end of bencode input", int64(end)}
		}
		return end, nil
	default:
		return 0, &SyntaxError{"invalid character " + quoteChar(c) + " looking for beginning of value", 0}
	}
}

// integerLen applies bencode's stricter-than-JSON integer grammar: no
// leading zeros, and "-0" is not a legal encoding of zero (there is
// exactly one way to write zero: "i0e").
func integerLen(data []byte) (int, error) {
	i := 1
	neg := false
	if i < len(data) && data[i] == '-' {
		neg = true
		i++
	}
	if i >= len(data) || data[i] < '0' || data[i] > '9' {
		return 0, &SyntaxError{"invalid integer literal", int64(i)}
	}
	if data[i] == '0' {
		if neg {
			return 0, &SyntaxError{"negative zero integer literal", int64(i)}
		}
		i++
		if i >= len(data) || data[i] != 'e' {
			return 0, &SyntaxError{"leading zero in integer literal", int64(i)}
		}
		return i + 1, nil
	}
	i++
	for i < len(data) && data[i] >= '0' && data[i] <= '9' {
		i++
	}
	if i >= len(data) || data[i] != 'e' {
		return 0, &SyntaxError{"unterminated integer", int64(i)}
	}
	return i + 1, nil
}
