package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

var reEnvRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandEnv replaces ${NAME} and ${NAME:-default}. A reference to an unset
// variable without a default is an error. Bare $NAME is left alone so
// passwords containing '$' survive.
func expandEnv(b []byte, lookup func(string) (string, bool)) ([]byte, error) {
	var missing []string
	out := reEnvRef.ReplaceAllFunc(b, func(ref []byte) []byte {
		m := reEnvRef.FindSubmatch(ref)
		name := string(m[1])
		if v, ok := lookup(name); ok {
			return []byte(v)
		}
		if len(m[2]) > 0 {
			return m[3]
		}
		missing = append(missing, name)
		return ref
	})
	if len(missing) > 0 {
		return nil, fmt.Errorf("undefined environment variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// lookupWith resolves from the process environment first, then dotenv.
func lookupWith(dotenv map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		if v, ok := os.LookupEnv(name); ok {
			return v, true
		}
		v, ok := dotenv[name]
		return v, ok
	}
}
