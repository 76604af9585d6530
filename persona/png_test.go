package persona

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"testing"
)

func buildPNG(t *testing.T, chunks ...pngChunk) []byte {
	t.Helper()
	out := append([]byte(nil), pngSignature...)
	for _, chunk := range chunks {
		var length [4]byte
		binary.BigEndian.PutUint32(length[:], uint32(len(chunk.data)))
		out = append(out, length[:]...)
		out = append(out, []byte(chunk.kind)...)
		out = append(out, chunk.data...)
		out = append(out, 0, 0, 0, 0) // CRC is not verified
	}
	return out
}

func textChunk(t *testing.T, keyword string, card Card) pngChunk {
	t.Helper()
	raw, err := json.Marshal(card)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	encoded := base64.StdEncoding.EncodeToString(raw)
	data := append([]byte(keyword), 0)
	data = append(data, []byte(encoded)...)
	return pngChunk{kind: "tEXt", data: data}
}

func TestExtractFromPNG(t *testing.T) {
	raw := buildPNG(t,
		pngChunk{kind: "IHDR", data: make([]byte, 13)},
		textChunk(t, pngKeywordLegacy, v1Card()),
		pngChunk{kind: "IEND"},
	)
	card, err := ExtractFromPNG(raw)
	if err != nil {
		t.Fatalf("ExtractFromPNG() error = %v", err)
	}
	if card.Name() != "Rin" {
		t.Fatalf("ExtractFromPNG() name = %q, want Rin", card.Name())
	}
}

func TestExtractFromPNGPrefersCCV3(t *testing.T) {
	legacy := v1Card()
	legacy["name"] = "Old"
	raw := buildPNG(t,
		textChunk(t, pngKeywordLegacy, legacy),
		textChunk(t, pngKeywordV3, v3Card("3.5")),
	)
	card, err := ExtractFromPNG(raw)
	if err != nil {
		t.Fatalf("ExtractFromPNG() error = %v", err)
	}
	if card.Name() != "Rin" {
		t.Fatalf("ExtractFromPNG() name = %q, want ccv3 card", card.Name())
	}
}

func TestExtractFromPNGFallsBackToLegacyOnBadCCV3(t *testing.T) {
	bad := pngChunk{kind: "tEXt", data: append(append([]byte(pngKeywordV3), 0), []byte("!!not-base64!!")...)}
	raw := buildPNG(t, bad, textChunk(t, pngKeywordLegacy, v1Card()))
	card, err := ExtractFromPNG(raw)
	if err != nil {
		t.Fatalf("ExtractFromPNG() error = %v", err)
	}
	if card.Name() != "Rin" {
		t.Fatalf("ExtractFromPNG() name = %q, want legacy card", card.Name())
	}
}

func TestExtractFromPNGErrors(t *testing.T) {
	if _, err := ExtractFromPNG([]byte("not a png")); err == nil {
		t.Fatalf("ExtractFromPNG() accepted non-png input")
	}
	raw := buildPNG(t, pngChunk{kind: "IHDR", data: make([]byte, 13)})
	if _, err := ExtractFromPNG(raw); err == nil {
		t.Fatalf("ExtractFromPNG() accepted png without text chunks")
	}
}
