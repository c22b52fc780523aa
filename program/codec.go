package program

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chazu/gvm/vm"
	"github.com/fxamacker/cbor/v2"
	"github.com/goccy/go-json"
)

// cborEncMode uses canonical encoding so equal programs encode to equal
// bytes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("program: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// File extensions understood by Load and Save.
const (
	ExtJSON = ".json"
	ExtCBOR = ".gvmc"
)

// ---------------------------------------------------------------------------
// CBOR
// ---------------------------------------------------------------------------

// MarshalProgram serializes a Program to CBOR bytes.
func MarshalProgram(p *Program) ([]byte, error) {
	return cborEncMode.Marshal(p)
}

// UnmarshalProgram deserializes a Program from CBOR bytes.
func UnmarshalProgram(data []byte) (*Program, error) {
	var p Program
	if err := cbor.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("program: unmarshal cbor: %w", err)
	}
	return &p, nil
}

// ---------------------------------------------------------------------------
// JSON
// ---------------------------------------------------------------------------

// MarshalProgramJSON serializes a Program to indented JSON.
func MarshalProgramJSON(p *Program) ([]byte, error) {
	return json.MarshalIndent(p, "", "  ")
}

// UnmarshalProgramJSON deserializes a Program from JSON. Besides the
// envelope it accepts a bare array of instruction records, which is what a
// compiler front end typically emits.
func UnmarshalProgramJSON(data []byte) (*Program, error) {
	trimmed := bytes.TrimSpace(data)
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	var p Program
	if len(trimmed) > 0 && trimmed[0] == '[' {
		p.Version = Version
		if err := dec.Decode(&p.Instructions); err != nil {
			return nil, fmt.Errorf("program: unmarshal json: %w", err)
		}
		return &p, nil
	}
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("program: unmarshal json: %w", err)
	}
	return &p, nil
}

// ---------------------------------------------------------------------------
// Files
// ---------------------------------------------------------------------------

// Load reads an instruction stream from path. The extension selects the
// format: .json for JSON, anything else for CBOR.
func Load(path string) ([]vm.Instruction, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p *Program
	if isJSON(path) {
		p, err = UnmarshalProgramJSON(data)
	} else {
		p, err = UnmarshalProgram(data)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	code, err := p.Decode()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return code, nil
}

// Save writes an instruction stream to path in the format its extension
// names.
func Save(path string, code []vm.Instruction) error {
	p, err := New(code)
	if err != nil {
		return err
	}
	var data []byte
	if isJSON(path) {
		data, err = MarshalProgramJSON(p)
	} else {
		data, err = MarshalProgram(p)
	}
	if err != nil {
		return fmt.Errorf("program: encode %s: %w", path, err)
	}
	if isJSON(path) {
		data = append(data, '\n')
	}
	return os.WriteFile(path, data, 0o644)
}

func isJSON(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ExtJSON)
}
