package app

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefixes for generated identifiers. IDs are K-sortable and look like
// "sub_01h2xcejqtf2nbrexx3vqjhp41".
const (
	prefixSubscription = "sub"
	prefixAttempt      = "att"
	prefixProject      = "prj"
	prefixInvoice      = "inv"
	prefixAudit        = "aud"
)

// generateID produces a prefixed TypeID.
// Isolated here so the ID strategy can evolve independently.
func generateID(prefix string) (string, error) {
	tid, err := typeid.Generate(prefix)
	if err != nil {
		return "", fmt.Errorf("generating %s id: %w", prefix, err)
	}
	return tid.String(), nil
}
