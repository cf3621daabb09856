package coedit

import (
	"fmt"

	"github.com/oklog/ulid/v2"
)

// Server-minted identifier, one per websocket connection. Document and
// session ids arrive from outside the engine and travel as opaque strings;
// only ids minted here carry this type.

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

// uuid text form, safe to embed in store keys and wire topics
func (self Id) String() string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", self[0:4], self[4:6], self[6:8], self[8:10], self[10:16])
}
