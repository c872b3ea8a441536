package ingestion

import (
	"encoding/base32"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

// ScanCodePrefix starts every generated asset scan code.
const ScanCodePrefix = "AS-"

var scanCodeEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// IdentifierGenerator produces the scannable token printed on asset labels.
type IdentifierGenerator interface {
	NewScanCode() (string, error)
}

type uuidScanCodes struct{}

// NewIdentifierGenerator returns a generator of codes such as
// "AS-AGJ4V3GLZ3EZJMVMAXMRRNNTRI", derived from version 7 UUIDs.
func NewIdentifierGenerator() IdentifierGenerator {
	return uuidScanCodes{}
}

func (uuidScanCodes) NewScanCode() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", errors.Wrap(err, "generate scan code")
	}
	return ScanCodePrefix + scanCodeEncoding.EncodeToString(id[:]), nil
}
