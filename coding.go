package main

import (
	"errors"
	"fmt"

	"github.com/M2MGateway/go-smpp/coding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// SMS size limits. A single short message carries at most 140 bytes of
// user data; a concatenation UDH eats 6 of them.
const (
	singleSegmentBytes    = 140
	multipartSegmentBytes = 140 - 6
	gsm7SingleChars       = 160
	gsm7MultipartChars    = 153
)

// gsm7ReverseMap maps GSM 03.38 default table codes to runes.
var gsm7ReverseMap = map[byte]rune{
	0x00: '@', 0x01: '£', 0x02: '$', 0x03: '¥', 0x04: 'è', 0x05: 'é',
	0x06: 'ù', 0x07: 'ì', 0x08: 'ò', 0x09: 'Ç', 0x0A: '\n', 0x0B: 'Ø',
	0x0C: 'ø', 0x0D: '\r', 0x0E: 'Å', 0x0F: 'å', 0x10: 'Δ', 0x11: '_',
	0x12: 'Φ', 0x13: 'Γ', 0x14: 'Λ', 0x15: 'Ω', 0x16: 'Π', 0x17: 'Ψ',
	0x18: 'Σ', 0x19: 'Θ', 0x1A: 'Ξ', 0x1C: 'Æ', 0x1D: 'æ', 0x1E: 'ß',
	0x1F: 'É', 0x20: ' ', 0x21: '!', 0x22: '"', 0x23: '#', 0x24: '¤',
	0x25: '%', 0x26: '&', 0x27: '\'', 0x28: '(', 0x29: ')', 0x2A: '*',
	0x2B: '+', 0x2C: ',', 0x2D: '-', 0x2E: '.', 0x2F: '/', 0x30: '0',
	0x31: '1', 0x32: '2', 0x33: '3', 0x34: '4', 0x35: '5', 0x36: '6',
	0x37: '7', 0x38: '8', 0x39: '9', 0x3A: ':', 0x3B: ';', 0x3C: '<',
	0x3D: '=', 0x3E: '>', 0x3F: '?', 0x40: '¡', 0x41: 'A', 0x42: 'B',
	0x43: 'C', 0x44: 'D', 0x45: 'E', 0x46: 'F', 0x47: 'G', 0x48: 'H',
	0x49: 'I', 0x4A: 'J', 0x4B: 'K', 0x4C: 'L', 0x4D: 'M', 0x4E: 'N',
	0x4F: 'O', 0x50: 'P', 0x51: 'Q', 0x52: 'R', 0x53: 'S', 0x54: 'T',
	0x55: 'U', 0x56: 'V', 0x57: 'W', 0x58: 'X', 0x59: 'Y', 0x5A: 'Z',
	0x5B: 'Ä', 0x5C: 'Ö', 0x5D: 'Ñ', 0x5E: 'Ü', 0x5F: '§', 0x60: '¿',
	0x61: 'a', 0x62: 'b', 0x63: 'c', 0x64: 'd', 0x65: 'e', 0x66: 'f',
	0x67: 'g', 0x68: 'h', 0x69: 'i', 0x6A: 'j', 0x6B: 'k', 0x6C: 'l',
	0x6D: 'm', 0x6E: 'n', 0x6F: 'o', 0x70: 'p', 0x71: 'q', 0x72: 'r',
	0x73: 's', 0x74: 't', 0x75: 'u', 0x76: 'v', 0x77: 'w', 0x78: 'x',
	0x79: 'y', 0x7A: 'z', 0x7B: 'ä', 0x7C: 'ö', 0x7D: 'ñ', 0x7E: 'ü',
	0x7F: 'à',
}

// gsm7ExtReverseMap maps extension codes (following escape 0x1B) to runes.
var gsm7ExtReverseMap = map[byte]rune{
	0x0A: '\f', 0x14: '^', 0x28: '{', 0x29: '}', 0x2F: '\\',
	0x3C: '[', 0x3D: '~', 0x3E: ']', 0x40: '|', 0x65: '€',
}

var (
	gsm7ForwardMap    = map[rune]byte{}
	gsm7ExtForwardMap = map[rune]byte{}
)

func init() {
	for b, r := range gsm7ReverseMap {
		gsm7ForwardMap[r] = b
	}
	for b, r := range gsm7ExtReverseMap {
		gsm7ExtForwardMap[r] = b
	}
}

// encodeUnpackedGSM7 encodes a string into unpacked GSM-7 bytes (one
// septet value per byte, extension characters escaped with 0x1B).
// Characters outside the alphabet become '?'.
func encodeUnpackedGSM7(input string) []byte {
	out := make([]byte, 0, len(input))
	for _, r := range input {
		if b, ok := gsm7ForwardMap[r]; ok {
			out = append(out, b)
		} else if b, ok := gsm7ExtForwardMap[r]; ok {
			out = append(out, 0x1B, b)
		} else {
			out = append(out, gsm7ForwardMap['?'])
		}
	}
	return out
}

// decodeUnpackedGSM7 decodes unpacked GSM-7 bytes back into a string.
func decodeUnpackedGSM7(input []byte) (string, error) {
	var result []rune
	for i := 0; i < len(input); i++ {
		b := input[i]
		if b == 0x1B {
			if i+1 >= len(input) {
				return "", errors.New("invalid GSM7 encoding: escape at end of input")
			}
			i++
			r, ok := gsm7ExtReverseMap[input[i]]
			if !ok {
				return "", fmt.Errorf("invalid GSM7 extension code: 0x%X", input[i])
			}
			result = append(result, r)
		} else {
			r, ok := gsm7ReverseMap[b]
			if !ok {
				return "", fmt.Errorf("invalid GSM7 byte: 0x%X", b)
			}
			result = append(result, r)
		}
	}
	return string(result), nil
}

// BestCodingFor picks the cheapest data coding able to carry the text.
func BestCodingFor(text string) coding.DataCoding {
	return coding.BestSafeCoding(text)
}

// EncodeText renders text into short-message bytes under the given data
// coding.
func EncodeText(text string, dc coding.DataCoding) ([]byte, error) {
	switch dc {
	case coding.GSM7BitCoding:
		return encodeUnpackedGSM7(text), nil
	case coding.ASCIICoding, coding.NoCoding:
		return []byte(text), nil
	case coding.Latin1Coding:
		return charmap.ISO8859_1.NewEncoder().Bytes([]byte(text))
	case coding.UCS2Coding:
		enc := unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewEncoder()
		return enc.Bytes([]byte(text))
	default:
		return []byte(text), nil
	}
}

// DecodeText is the inverse of EncodeText; undecodable input comes back
// as an error so callers can fall into hex pass-through.
func DecodeText(data []byte, dc coding.DataCoding) (string, error) {
	switch dc {
	case coding.GSM7BitCoding:
		return decodeUnpackedGSM7(data)
	case coding.ASCIICoding, coding.NoCoding:
		return string(data), nil
	case coding.Latin1Coding:
		out, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
		return string(out), err
	case coding.UCS2Coding:
		dec := unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewDecoder()
		out, err := dec.Bytes(data)
		return string(out), err
	default:
		return string(data), nil
	}
}

// Splitter counts the air-interface bits one rune costs under a coding.
type Splitter func(rune) int

var (
	gsm7Splitter  Splitter = func(rune) int { return 7 }
	byteSplitter  Splitter = func(rune) int { return 8 }
	utf16Splitter Splitter = func(r rune) int {
		if (r <= 0xD7FF) || ((r >= 0xE000) && (r <= 0xFFFF)) {
			return 16
		}
		return 32
	}
)

func splitterFor(dc coding.DataCoding) Splitter {
	switch dc {
	case coding.UCS2Coding:
		return utf16Splitter
	case coding.GSM7BitCoding:
		return gsm7Splitter
	default:
		return byteSplitter
	}
}

// Len reports the carried size of input in bytes under the splitter.
func (fn Splitter) Len(input string) (n int) {
	for _, point := range input {
		n += fn(point)
	}
	if n%8 != 0 {
		n += 8 - n%8
	}
	return n / 8
}

// Split chops input into pieces of at most limit carried bytes each.
func (fn Splitter) Split(input string, limit int) (segments []string) {
	limit *= 8
	points := []rune(input)
	var start, length int
	for i := 0; i < len(points); i++ {
		length += fn(points[i])
		if length > limit {
			segments = append(segments, string(points[start:i]))
			start, length = i, 0
			i--
		}
	}
	if length > 0 {
		segments = append(segments, string(points[start:]))
	}
	return segments
}

// SegmentText splits message text into single- or multipart segments for
// the given coding, honoring the 140-byte payload and the UDH overhead on
// multipart.
func SegmentText(text string, dc coding.DataCoding) []string {
	sp := splitterFor(dc)
	if sp.Len(text) <= singleSegmentBytes {
		return []string{text}
	}
	return sp.Split(text, multipartSegmentBytes)
}

// SegmentCount is the submit_sm_count a message of this text/coding costs.
func SegmentCount(text string, dc coding.DataCoding) int {
	if text == "" {
		return 0
	}
	return len(SegmentText(text, dc))
}

// SegmentBytes splits raw (hex-content) payloads on byte boundaries.
func SegmentBytes(data []byte) [][]byte {
	if len(data) <= singleSegmentBytes {
		return [][]byte{data}
	}
	var out [][]byte
	for len(data) > 0 {
		n := multipartSegmentBytes
		if len(data) < n {
			n = len(data)
		}
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}

// ConcatUDH builds the 6-byte 8-bit-reference concatenation header.
func ConcatUDH(ref byte, total, seq int) []byte {
	return []byte{0x05, 0x00, 0x03, ref, byte(total), byte(seq)}
}

// ParseConcatUDH extracts (ref, total, seq) from a user data header blob;
// ok is false when no concatenation element is present. Both the 8-bit
// (IEI 0x00) and 16-bit (IEI 0x08) reference forms are understood.
func ParseConcatUDH(udh []byte) (ref uint16, total, seq int, ok bool) {
	for i := 0; i+1 < len(udh); {
		iei := udh[i]
		ielen := int(udh[i+1])
		if i+2+ielen > len(udh) {
			return 0, 0, 0, false
		}
		data := udh[i+2 : i+2+ielen]
		switch {
		case iei == 0x00 && ielen == 3:
			return uint16(data[0]), int(data[1]), int(data[2]), true
		case iei == 0x08 && ielen == 4:
			return uint16(data[0])<<8 | uint16(data[1]), int(data[2]), int(data[3]), true
		}
		i += 2 + ielen
	}
	return 0, 0, 0, false
}
