package middleware

import (
	"context"
	"net/http"

	"github.com/rpattn/assetimport/internal/jobloader"
	"github.com/rpattn/assetimport/internal/repository"
)

type ctxKey string

const jobLoaderKey ctxKey = "jobLoader"

// DataLoaderMiddleware attaches a per-request job loader to the context.
func DataLoaderMiddleware(repo repository.JobRepository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			loader := jobloader.NewJobLoader(repo)
			ctx := context.WithValue(r.Context(), jobLoaderKey, loader)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// JobLoaderFromContext retrieves the job loader from context.
func JobLoaderFromContext(ctx context.Context) *jobloader.JobLoader {
	if l, ok := ctx.Value(jobLoaderKey).(*jobloader.JobLoader); ok {
		return l
	}
	return nil
}
