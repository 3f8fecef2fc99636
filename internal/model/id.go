package model

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type IDType string

const (
	IDTypeSession IDType = "stampede"
	IDTypeMinion  IDType = "minion"
)

var validIDTypes = map[IDType]bool{
	IDTypeSession: true,
	IDTypeMinion:  true,
}

// GenerateID returns "<type>-<uuid>", e.g. "stampede-8c5b...".
func GenerateID(idType IDType) (string, error) {
	if !validIDTypes[idType] {
		return "", fmt.Errorf("invalid ID type: %s", idType)
	}
	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return string(idType) + "-" + u.String(), nil
}

// ValidateID reports whether id is a generated ID of a known type.
func ValidateID(id string) bool {
	_, err := ParseIDType(id)
	return err == nil
}

// ParseIDType returns the type prefix of a generated ID. The suffix must be
// a UUID in its canonical lowercase form.
func ParseIDType(id string) (IDType, error) {
	prefix, rest, ok := strings.Cut(id, "-")
	if !ok || !validIDTypes[IDType(prefix)] {
		return "", fmt.Errorf("invalid ID format: %s", id)
	}
	u, err := uuid.Parse(rest)
	if err != nil || u.String() != rest {
		return "", fmt.Errorf("invalid ID format: %s", id)
	}
	return IDType(prefix), nil
}
