package yaml

import (
	"fmt"

	yamlv3 "gopkg.in/yaml.v3"
)

const CurrentSchemaVersion = 1

// Known file types.
const (
	FileTypeBuildStatus = "build_status"
	FileTypeTargetGraph = "target_graph"
)

var validFileTypes = map[string]bool{
	FileTypeBuildStatus: true,
	FileTypeTargetGraph: true,
}

// Header is embedded inline at the top of every versioned state file.
type Header struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
}

func NewHeader(fileType string) Header {
	return Header{SchemaVersion: CurrentSchemaVersion, FileType: fileType}
}

// Validate checks the version range and, when expected is non-empty, the
// file type.
func (h Header) Validate(expected string) error {
	if h.SchemaVersion < 1 {
		return fmt.Errorf("invalid schema_version %d (must be >= 1)", h.SchemaVersion)
	}
	if h.SchemaVersion > CurrentSchemaVersion {
		return fmt.Errorf("unsupported schema_version %d (max supported: %d)", h.SchemaVersion, CurrentSchemaVersion)
	}
	if h.FileType == "" {
		return fmt.Errorf("missing file_type")
	}
	if !validFileTypes[h.FileType] {
		return fmt.Errorf("unknown file_type: %q", h.FileType)
	}
	if expected != "" && h.FileType != expected {
		return fmt.Errorf("file_type mismatch: got %q, expected %q", h.FileType, expected)
	}
	return nil
}

// ValidateHeaderBytes decodes only the header fields of content.
func ValidateHeaderBytes(content []byte, expected string) error {
	var h Header
	if err := yamlv3.Unmarshal(content, &h); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return h.Validate(expected)
}
