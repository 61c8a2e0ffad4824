package fileserve

import (
	"bytes"
	"testing"
)

func TestEncodeICYMetadataPadding(t *testing.T) {
	block := encodeICYMetadata("Test Song")
	if len(block) == 0 {
		t.Fatal("empty block")
	}
	lengthByte := int(block[0])
	if len(block) != 1+lengthByte*16 {
		t.Errorf("block length = %d, want %d for length byte %d", len(block), 1+lengthByte*16, lengthByte)
	}
	if !bytes.Contains(block, []byte("StreamTitle='Test Song';")) {
		t.Errorf("block missing expected payload: %q", block)
	}
}

func TestEncodeICYMetadataStripsQuotes(t *testing.T) {
	block := encodeICYMetadata("Rock 'n' Roll")
	if bytes.Contains(block, []byte("'n'")) {
		t.Errorf("embedded single quotes should be stripped: %q", block)
	}
}

func TestICYWriterInsertsMetadataAtInterval(t *testing.T) {
	var out bytes.Buffer
	iw := newICYWriter(&out, 4, func() string { return "X" })

	if _, err := iw.Write([]byte("abcd")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := iw.Write([]byte("efgh")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	meta := encodeICYMetadata("X")
	want := append([]byte("abcd"), meta...)
	want = append(want, []byte("efgh")...)
	want = append(want, meta...)
	if !bytes.Equal(out.Bytes(), want) {
		t.Errorf("got %q, want %q", out.Bytes(), want)
	}
}

func TestICYWriterDisabledWithZeroInterval(t *testing.T) {
	var out bytes.Buffer
	iw := newICYWriter(&out, 0, func() string { return "X" })
	if _, err := iw.Write([]byte("plain bytes")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if out.String() != "plain bytes" {
		t.Errorf("got %q, want passthrough with no metadata", out.String())
	}
}
