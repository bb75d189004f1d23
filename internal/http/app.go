// Package httpapi is the router's ingress surface: it starts a flow by
// publishing a work class's first hop, and exposes read/replay over the
// relational request log, grounded on the teacher's internal/http/app.go
// App struct wiring a store handle and a producer into the route table.
package httpapi

import (
	"github.com/sitorouter/sitorouter/internal/config"
	"github.com/sitorouter/sitorouter/internal/db"
	"github.com/sitorouter/sitorouter/internal/router"
)

// App wires the router core and the relational request log into the HTTP
// handlers.
type App struct {
	Core     *router.Core
	Registry *config.ClassRegistry
	DB       *db.DB
}
