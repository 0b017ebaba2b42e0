package backendfake

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	green      = "\033[32m"
	yellow     = "\033[33m"
	blue       = "\033[34m"
	magenta    = "\033[35m"
	cyan       = "\033[36m"
	gray       = "\033[90m"
	resetColor = "\033[0m"
)

var methodColors = map[string]string{
	http.MethodGet:    green,
	http.MethodPost:   blue,
	http.MethodPut:    cyan,
	http.MethodDelete: yellow,
	http.MethodPatch:  magenta,
}

// logRequests prints every route hit. Path segments after the route prefix are credentials,
// so only the prefix is logged.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		color, ok := methodColors[r.Method]
		if !ok {
			color = gray
		}
		displayMethod := color + fmt.Sprintf(" %-7s", r.Method) + resetColor
		log.Debug().Str("method", displayMethod).Str("route", routePrefix(r.URL.Path)).Msg("fake backend")
		next.ServeHTTP(w, r)
	})
}

func routePrefix(path string) string {
	for _, prefix := range []string{"/auth/profile/", "/stories/"} {
		if strings.HasPrefix(path, prefix) {
			return prefix + "{token}"
		}
	}
	return path
}
