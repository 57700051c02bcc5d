package ratelimit

import (
	"net/http"
	"strconv"

	"github.com/alecgard/dexy/internal/apierr"
	"github.com/alecgard/dexy/internal/auth"
)

// SetHeaders writes the X-RateLimit-* headers for d.
func SetHeaders(w http.ResponseWriter, d Decision) {
	if d.Limit == 0 {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// Middleware enforces limiter per authenticated credential. Requests
// without a principal in the context pass through untouched. Rejections get
// 429 with the standard error envelope.
func Middleware(limiter *Limiter, onReject ...func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := auth.PrincipalFromContext(r.Context())
			if p == nil {
				next.ServeHTTP(w, r)
				return
			}

			d := limiter.Take(p.CredentialID)
			SetHeaders(w, d)
			if !d.Allowed {
				for _, fn := range onReject {
					fn()
				}
				apierr.Write(w, apierr.New(apierr.KindRateLimited, "rate limit exceeded, try again later"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
