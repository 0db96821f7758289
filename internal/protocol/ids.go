package protocol

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// NewMessageID generates a unique message id for delivery tracing.
func NewMessageID() string { return uuid.NewString() }

// DeriveSiteID builds a site id from the configured numeric id, falling
// back to the process id when none was given.
func DeriveSiteID(configured int) string {
	if configured == 0 {
		return fmt.Sprintf("site-%d", os.Getpid())
	}
	return fmt.Sprintf("site-%d", configured)
}
