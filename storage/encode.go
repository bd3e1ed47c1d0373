package storage

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ArtifactEncoding selects how a record is serialized.
type ArtifactEncoding int

const (
	// ArtifactEncodingCBOR is used for internal records.
	ArtifactEncodingCBOR ArtifactEncoding = iota
	// ArtifactEncodingJSON is used for documents consumed by external
	// tools, such as circuit inputs and tally results.
	ArtifactEncodingJSON
)

func (e ArtifactEncoding) String() string {
	switch e {
	case ArtifactEncodingCBOR:
		return "cbor"
	case ArtifactEncodingJSON:
		return "json"
	}
	return fmt.Sprintf("encoding(%d)", int(e))
}

var cborEncMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor encoding mode: %v", err))
	}
	return em
}()

// EncodeArtifact encodes a with the given encoding. CBOR output is
// deterministic.
func EncodeArtifact(a any, encoding ArtifactEncoding) ([]byte, error) {
	switch encoding {
	case ArtifactEncodingCBOR:
		return cborEncMode.Marshal(a)
	case ArtifactEncodingJSON:
		return json.Marshal(a)
	}
	return nil, fmt.Errorf("unknown artifact encoding: %s", encoding)
}

// DecodeArtifact decodes data produced by EncodeArtifact into out.
func DecodeArtifact(data []byte, out any, encoding ArtifactEncoding) error {
	switch encoding {
	case ArtifactEncodingCBOR:
		return cbor.Unmarshal(data, out)
	case ArtifactEncodingJSON:
		return json.Unmarshal(data, out)
	}
	return fmt.Errorf("unknown artifact encoding: %s", encoding)
}
