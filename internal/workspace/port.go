package workspace

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultPreviewPort is used when no port is requested.
const DefaultPreviewPort = 3000

// ParsePort parses a user-supplied port. Empty input yields
// DefaultPreviewPort; anything that is not an integer in 1..65535 is
// rejected with ErrInvalidArgument.
func ParsePort(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultPreviewPort, nil
	}
	port, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: port %q is not a number", ErrInvalidArgument, raw)
	}
	if err := ValidatePort(port); err != nil {
		return 0, err
	}
	return port, nil
}

// ValidatePort rejects ports outside 1..65535.
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: port %d out of range 1-65535", ErrInvalidArgument, port)
	}
	return nil
}
