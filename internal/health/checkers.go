package health

import (
	"context"
	"fmt"
	"net/http"

	"github.com/parleylabs/parley/internal/taskstore"
)

// Pinger is anything with a cheap reachability probe, such as the scoring
// gateway client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// TaskStore returns a checker that verifies task definitions can be listed.
// It covers both the in-memory store (always passes once seeded) and the
// Postgres-backed store (fails when the database is unreachable).
func TaskStore(store taskstore.Store) Checker {
	return Checker{
		Name: "taskstore",
		Check: func(ctx context.Context) error {
			tasks, err := store.List(ctx)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				return fmt.Errorf("no task definitions loaded")
			}
			return nil
		},
	}
}

// Gateway returns a checker that pings the scoring gateway.
func Gateway(p Pinger) Checker {
	return Checker{
		Name:  "gateway",
		Check: p.Ping,
	}
}

// Endpoint returns a checker that considers an HTTP endpoint healthy when a
// GET returns any status below 500. Used for the local AI runtime, whose
// OpenAI-compatible servers answer 404 on the bare base URL but still prove
// the process is up.
func Endpoint(name, url string, client *http.Client) Checker {
	if client == nil {
		client = http.DefaultClient
	}
	return Checker{
		Name: name,
		Check: func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return fmt.Errorf("build request: %w", err)
			}
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= http.StatusInternalServerError {
				return fmt.Errorf("endpoint returned %s", resp.Status)
			}
			return nil
		},
	}
}
