package persona

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Card data travels inside PNG tEXt chunks: the modern keyword first, the
// legacy one as fallback. The chunk value is base64-encoded JSON.
const (
	pngKeywordV3     = "ccv3"
	pngKeywordLegacy = "chara"
)

var pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

type pngChunk struct {
	kind string
	data []byte
}

// ExtractFromPNG pulls an embedded card out of a PNG image's text chunks.
func ExtractFromPNG(raw []byte) (Card, error) {
	chunks, err := pngChunks(raw)
	if err != nil {
		return nil, err
	}

	var ccv3Text, legacyText string
	for _, chunk := range chunks {
		if chunk.kind != "tEXt" {
			continue
		}
		keyword, text, ok := decodeTextChunk(chunk.data)
		if !ok {
			continue
		}
		switch keyword {
		case pngKeywordV3:
			ccv3Text = text
		case pngKeywordLegacy:
			legacyText = text
		}
	}
	if ccv3Text == "" && legacyText == "" {
		return nil, fmt.Errorf("persona: png contains no card text chunk")
	}

	if ccv3Text != "" {
		if card, err := decodeCardText(ccv3Text); err == nil {
			return card, nil
		}
	}
	if legacyText != "" {
		if card, err := decodeCardText(legacyText); err == nil {
			return card, nil
		}
	}
	return nil, fmt.Errorf("persona: png card data is undecodable")
}

func pngChunks(raw []byte) ([]pngChunk, error) {
	if !bytes.HasPrefix(raw, pngSignature) {
		return nil, fmt.Errorf("persona: not a png file")
	}

	var chunks []pngChunk
	pos := len(pngSignature)
	for pos+8 <= len(raw) {
		length := int(binary.BigEndian.Uint32(raw[pos : pos+4]))
		end := pos + 8 + length
		if end > len(raw) {
			break
		}
		chunks = append(chunks, pngChunk{
			kind: string(raw[pos+4 : pos+8]),
			data: raw[pos+8 : end],
		})
		// Skip the 4-byte CRC as well.
		pos = end + 4
	}
	return chunks, nil
}

func decodeTextChunk(data []byte) (keyword, text string, ok bool) {
	null := bytes.IndexByte(data, 0)
	if null < 0 {
		return "", "", false
	}
	return string(data[:null]), string(data[null+1:]), true
}

func decodeCardText(text string) (Card, error) {
	decoded, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("persona: card text is not base64: %w", err)
	}
	var card Card
	if err := json.Unmarshal(decoded, &card); err != nil {
		return nil, fmt.Errorf("persona: card text is not json: %w", err)
	}
	return card, nil
}
