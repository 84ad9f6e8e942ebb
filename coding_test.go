package main

import (
	"strings"
	"testing"

	"github.com/M2MGateway/go-smpp/coding"
	"github.com/stretchr/testify/require"
)

func TestGSM7Roundtrip(t *testing.T) {
	text := "Hello @£$¥ {braces} [brackets] €uro"
	enc := encodeUnpackedGSM7(text)
	dec, err := decodeUnpackedGSM7(enc)
	require.NoError(t, err)
	require.Equal(t, text, dec)
}

func TestGSM7UnknownRuneFallsBackToQuestionMark(t *testing.T) {
	dec, err := decodeUnpackedGSM7(encodeUnpackedGSM7("héllo 你好"))
	require.NoError(t, err)
	require.Equal(t, "héllo ??", dec)
}

func TestGSM7DecodeErrors(t *testing.T) {
	_, err := decodeUnpackedGSM7([]byte{0x48, 0x1B}) // escape at end
	require.Error(t, err)
	_, err = decodeUnpackedGSM7([]byte{0x1B, 0x01}) // bad extension code
	require.Error(t, err)
}

func TestEncodeDecodeUCS2(t *testing.T) {
	text := "你好, monde"
	raw, err := EncodeText(text, coding.UCS2Coding)
	require.NoError(t, err)
	require.Equal(t, 0, len(raw)%2)

	back, err := DecodeText(raw, coding.UCS2Coding)
	require.NoError(t, err)
	require.Equal(t, text, back)
}

func TestEncodeDecodeLatin1(t *testing.T) {
	text := "café für alle"
	raw, err := EncodeText(text, coding.Latin1Coding)
	require.NoError(t, err)
	require.Equal(t, len([]rune(text)), len(raw))

	back, err := DecodeText(raw, coding.Latin1Coding)
	require.NoError(t, err)
	require.Equal(t, text, back)
}

func TestSegmentTextShortMessageStaysWhole(t *testing.T) {
	parts := SegmentText("short message", coding.GSM7BitCoding)
	require.Len(t, parts, 1)
	require.Equal(t, "short message", parts[0])
}

func TestSegmentTextGSM7Boundaries(t *testing.T) {
	// 160 septets fit one segment, 161 spill into two
	require.Len(t, SegmentText(strings.Repeat("a", 160), coding.GSM7BitCoding), 1)

	parts := SegmentText(strings.Repeat("a", 161), coding.GSM7BitCoding)
	require.Len(t, parts, 2)
	require.Equal(t, 161, len(parts[0])+len(parts[1]))
}

func TestSegmentTextUCS2Boundaries(t *testing.T) {
	// 70 UCS2 chars fit one segment, 71 split
	require.Len(t, SegmentText(strings.Repeat("é", 70), coding.UCS2Coding), 1)

	parts := SegmentText(strings.Repeat("é", 71), coding.UCS2Coding)
	require.Len(t, parts, 2)
	// 134 bytes per multipart segment = 67 UCS2 chars
	require.Equal(t, 67, len([]rune(parts[0])))
	require.Equal(t, 4, len([]rune(parts[1])))
}

func TestSegmentCount(t *testing.T) {
	require.Equal(t, 0, SegmentCount("", coding.GSM7BitCoding))
	require.Equal(t, 1, SegmentCount("hi", coding.GSM7BitCoding))
	require.Equal(t, 2, SegmentCount(strings.Repeat("a", 200), coding.GSM7BitCoding))
}

func TestSegmentBytes(t *testing.T) {
	require.Len(t, SegmentBytes(make([]byte, 140)), 1)

	chunks := SegmentBytes(make([]byte, 141))
	require.Len(t, chunks, 2)
	require.Len(t, chunks[0], 134)
	require.Len(t, chunks[1], 7)
}

func TestConcatUDHRoundtrip(t *testing.T) {
	udh := ConcatUDH(0x42, 3, 2)
	require.Equal(t, []byte{0x05, 0x00, 0x03, 0x42, 0x03, 0x02}, udh)

	// parser takes the blob without the leading length byte
	ref, total, seq, ok := ParseConcatUDH(udh[1:])
	require.True(t, ok)
	require.Equal(t, uint16(0x42), ref)
	require.Equal(t, 3, total)
	require.Equal(t, 2, seq)
}

func TestParseConcatUDH16BitRef(t *testing.T) {
	ref, total, seq, ok := ParseConcatUDH([]byte{0x08, 0x04, 0x01, 0x02, 0x05, 0x03})
	require.True(t, ok)
	require.Equal(t, uint16(0x0102), ref)
	require.Equal(t, 5, total)
	require.Equal(t, 3, seq)
}

func TestParseConcatUDHIgnoresOtherElements(t *testing.T) {
	// a port-addressing element followed by concat
	blob := []byte{0x04, 0x02, 0x1F, 0x90, 0x00, 0x03, 0x07, 0x02, 0x01}
	ref, total, seq, ok := ParseConcatUDH(blob)
	require.True(t, ok)
	require.Equal(t, uint16(7), ref)
	require.Equal(t, 2, total)
	require.Equal(t, 1, seq)

	_, _, _, ok = ParseConcatUDH([]byte{0x04, 0x02, 0x1F, 0x90})
	require.False(t, ok)

	// truncated element
	_, _, _, ok = ParseConcatUDH([]byte{0x00, 0x03, 0x01})
	require.False(t, ok)
}

func TestBestCodingFor(t *testing.T) {
	require.NotEqual(t, coding.UCS2Coding, BestCodingFor("plain ascii"))
	require.Equal(t, coding.UCS2Coding, BestCodingFor("你好"))
}
