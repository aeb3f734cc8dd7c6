package tomo

import (
	"fmt"

	"github.com/twinj/uuid"
)

// UUID is a 32 character hexadecimal string ("" if invalid) that uniquely
// identifies a submitted thumbnail task across the life of the process.
type UUID string

// NilUUID is an empty UUID.
const NilUUID = UUID("")

// NewUUID returns a randomly generated UUID.
func NewUUID() UUID {
	u := uuid.NewV4()
	if u == nil {
		return NilUUID
	}
	return UUID(fmt.Sprintf("%032x", u.Bytes()))
}
