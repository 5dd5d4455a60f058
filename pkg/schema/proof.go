package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// IntermediateDocument is the structured form of an SP1 proof written by the
// format transcoder and handed to the conversion engine unchanged, apart from
// the block range which is filled in from the artifact filename.
type IntermediateDocument struct {
	Proof        ProofEnvelope    `json:"proof"`
	PublicValues PublicValues     `json:"public_values"`
	BootInfo     json.RawMessage  `json:"boot_info,omitempty"`
	SP1Version   string           `json:"sp1_version,omitempty"`
	Metadata     DocumentMetadata `json:"metadata"`
}

// ProofEnvelope carries exactly one proof variant.
type ProofEnvelope struct {
	Plonk   *ProofBody `json:"Plonk,omitempty"`
	Groth16 *ProofBody `json:"Groth16,omitempty"`
}

type ProofBody struct {
	PublicInputs    []string        `json:"public_inputs"`
	EncodedProof    string          `json:"encoded_proof"`
	RawProof        string          `json:"raw_proof,omitempty"`
	PlonkVKeyHash   json.RawMessage `json:"plonk_vkey_hash,omitempty"`
	Groth16VKeyHash json.RawMessage `json:"groth16_vkey_hash,omitempty"`
}

type PublicValues struct {
	Buffer PublicValuesBuffer `json:"buffer"`
}

type PublicValuesBuffer struct {
	Data ByteList `json:"data"`
}

type DocumentMetadata struct {
	OriginalFile string `json:"original_file,omitempty"`
	FileSize     int64  `json:"file_size,omitempty"`
	Timestamp    string `json:"timestamp,omitempty"`
	StartBlock   uint64 `json:"start_block"`
	EndBlock     uint64 `json:"end_block"`
}

// Variant returns the proof system name and body of the populated variant.
func (p ProofEnvelope) Variant() (string, *ProofBody) {
	switch {
	case p.Plonk != nil && p.Groth16 == nil:
		return "Plonk", p.Plonk
	case p.Groth16 != nil && p.Plonk == nil:
		return "Groth16", p.Groth16
	default:
		return "", nil
	}
}

// Validate reports whether the document carries a usable proof.
func (d *IntermediateDocument) Validate() error {
	name, body := d.Proof.Variant()
	if body == nil {
		return fmt.Errorf("proof must contain exactly one of Plonk or Groth16")
	}
	if strings.TrimSpace(body.EncodedProof) == "" {
		return fmt.Errorf("%s proof has empty encoded_proof", name)
	}
	return nil
}

// ByteList is a byte slice encoded as a JSON array of numbers, the layout the
// transcoder and the conversion engine use for public values.
type ByteList []byte

func (b ByteList) MarshalJSON() ([]byte, error) {
	var sb strings.Builder
	sb.Grow(len(b)*4 + 2)
	sb.WriteByte('[')
	for i, v := range b {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(int(v)))
	}
	sb.WriteByte(']')
	return []byte(sb.String()), nil
}

func (b *ByteList) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*b = nil
		return nil
	}
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return fmt.Errorf("byte list: %w", err)
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return fmt.Errorf("byte list: value %d at index %d out of range", v, i)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// ConvertedArtifact is the engine output for one source artifact.
type ConvertedArtifact struct {
	OriginalFile string
	Payload      json.RawMessage
	ConvertedAt  time.Time
}

// OutputDocument is the on-disk layout read by the settlement process.
type OutputDocument struct {
	Timestamp      string          `json:"timestamp"`
	OriginalFile   string          `json:"originalFile"`
	ConvertedProof json.RawMessage `json:"convertedProof"`
}
