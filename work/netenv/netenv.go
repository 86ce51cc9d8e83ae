package netenv

import (
	"os"
	"strings"

	"dtv-relay/work/logger"
)

var proxyVars = []string{"HTTP_PROXY", "HTTPS_PROXY", "ALL_PROXY"}

// present reports whether key is set in either upper or lower case.
func present(key string) bool {
	if _, ok := os.LookupEnv(key); ok {
		return true
	}
	_, ok := os.LookupEnv(strings.ToLower(key))
	return ok
}

// Apply installs default outbound proxy variables for every one the user has not
// set. With an empty defaultProxy only NO_PROXY is considered. It returns the
// variables it set.
//
// net/http reads the proxy environment once per process, so Apply must run before
// the first upstream request.
func Apply(defaultProxy, noProxy string) []string {
	var applied []string

	if defaultProxy != "" {
		for _, key := range proxyVars {
			if present(key) {
				continue
			}
			if err := os.Setenv(key, defaultProxy); err != nil {
				logger.Warn("{netenv/netenv - Apply} failed to set %s: %v", key, err)
				continue
			}
			applied = append(applied, key)
		}
	}

	if noProxy != "" && !present("NO_PROXY") {
		if err := os.Setenv("NO_PROXY", noProxy); err != nil {
			logger.Warn("{netenv/netenv - Apply} failed to set NO_PROXY: %v", err)
		} else {
			applied = append(applied, "NO_PROXY")
		}
	}

	if len(applied) > 0 {
		logger.Info("{netenv/netenv - Apply} applied proxy defaults: %s", strings.Join(applied, ", "))
	}
	return applied
}
