package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is the slice of pool state the health check reports.
type PoolStats struct {
	InUse int32 `json:"in_use"`
	Idle  int32 `json:"idle"`
	Max   int32 `json:"max"`
}

// poolStatter is implemented by pingers that can describe their pool.
type poolStatter interface {
	PoolStats() PoolStats
}

func statsOf(p Pinger) (PoolStats, bool) {
	switch v := p.(type) {
	case poolStatter:
		return v.PoolStats(), true
	case *pgxpool.Pool:
		st := v.Stat()
		return PoolStats{InUse: st.AcquiredConns(), Idle: st.IdleConns(), Max: st.MaxConns()}, true
	}
	return PoolStats{}, false
}

// Pinger is the part of *pgxpool.Pool the health check needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports whether the store database answers a ping within
// five seconds. Pool statistics are included when p can report them.
func HealthHandler(p Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		resp := map[string]interface{}{"status": "healthy"}
		if st, ok := statsOf(p); ok {
			resp["pool"] = st
		}

		if err := p.Ping(ctx); err != nil {
			resp["status"] = "unhealthy"
			resp["error"] = err.Error()
			return c.JSON(http.StatusServiceUnavailable, resp)
		}
		return c.JSON(http.StatusOK, resp)
	}
}
