package envutil

import (
	"os"
	"strings"
)

// IsDev reports whether GATEKEEP_ENV selects development mode, in which
// cookies are issued without the Secure attribute so plain-http localhost works.
func IsDev() bool {
	env := strings.ToLower(os.Getenv("GATEKEEP_ENV"))
	return env == "development" || env == "dev"
}
