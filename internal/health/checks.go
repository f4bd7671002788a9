package health

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

var _ Pinger = (*sql.DB)(nil)

// Database reports whether the database answers a ping within two seconds.
func Database(name string, db Pinger) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Worker reports whether a background loop is running.
func Worker(name string, running func() bool) Checker {
	return func(context.Context) Status {
		if !running() {
			return Status{Name: name, Healthy: false, Detail: "not running"}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Networks stays healthy while some chain RPCs are failing, and names them
// in Detail. Deal transitions on those networks answer "wait" meanwhile.
func Networks(name string, degraded func() []string) Checker {
	return func(context.Context) Status {
		s := Status{Name: name, Healthy: true}
		if down := degraded(); len(down) > 0 {
			s.Detail = "degraded: " + strings.Join(down, ",")
		}
		return s
	}
}
