package xid

import (
	"fmt"

	"github.com/google/uuid"
)

var keyNamespace = uuid.MustParse("5b0e6f3a-6c1d-4f4e-9a57-2f1f4a3c8d10")

// New returns a time-ordered id with a readable prefix.
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return fmt.Sprintf("%s-%s", prefix, id.String())
}

// FromKey derives a stable id from a caller supplied key, so retries of the
// same request address the same document.
func FromKey(prefix string, key string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewSHA1(keyNamespace, []byte(prefix+":"+key)).String())
}
