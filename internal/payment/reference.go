package payment

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var referencePattern = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,64}$`)

// NewLocalRef returns a receipt token of the form rcpt_<unix-millis>_<8 hex>.
func NewLocalRef(now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("rcpt_%d_%s", now.UnixMilli(), random)
}

// ValidReference reports whether s looks like a gateway order or payment reference.
func ValidReference(s string) bool {
	return referencePattern.MatchString(s)
}
