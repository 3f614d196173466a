package repository

import (
	"bytes"
	"encoding/json"

	"github.com/BurntSushi/toml"

	"github.com/dollspace-gay/rookpkg/internal/signing"
)

// encodeTOML renders v as TOML, matching the style every other on-disk
// metadata format in this repo uses.
func encodeTOML(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// encodeIndex renders idx as indented JSON, matching packages.json's
// wire format in the original implementation.
func encodeIndex(idx *Index) ([]byte, error) {
	return json.MarshalIndent(idx, "", "  ")
}

// decodeIndex parses a packages.json payload.
func decodeIndex(data []byte) (*Index, error) {
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, err
	}
	return &idx, nil
}

// decodeMetadata parses a repo.toml payload.
func decodeMetadata(data []byte) (*Metadata, error) {
	var meta Metadata
	if _, err := toml.Decode(string(data), &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// decodeSignature parses a packages.json.sig payload.
func decodeSignature(data []byte) (signing.HybridSignature, error) {
	var sig signing.HybridSignature
	if err := json.Unmarshal(data, &sig); err != nil {
		return signing.HybridSignature{}, err
	}
	return sig, nil
}
