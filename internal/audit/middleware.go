package audit

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/noah-isme/payment-orchestrator/internal/common"
)

// HTTPRecorder writes an audit entry for each request on the routes it
// wraps, once the handler has answered.
type HTTPRecorder struct {
	Service *Service
	OnError func(error)
}

// HTTPConfig names the action and resource recorded for a route.
type HTTPConfig struct {
	Action       string
	ResourceType string
	// ResourceIDParam is the chi URL parameter holding the resource id.
	ResourceIDParam string
	MetadataFunc    func(r *http.Request, status int) map[string]any
}

// Middleware wraps a route with auditing.
func (r HTTPRecorder) Middleware(cfg HTTPConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if r.Service == nil || !r.Service.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
			next.ServeHTTP(ww, req)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			var resourceID string
			if cfg.ResourceIDParam != "" {
				resourceID = chi.URLParam(req, cfg.ResourceIDParam)
			}
			err := r.Service.Record(req.Context(), actorFrom(req), cfg.Action, cfg.ResourceType, resourceID, req, status, metadataFor(cfg, req, status))
			if err != nil && r.OnError != nil {
				r.OnError(err)
			}
		})
	}
}

func metadataFor(cfg HTTPConfig, req *http.Request, status int) []byte {
	if cfg.MetadataFunc == nil {
		return nil
	}
	payload := cfg.MetadataFunc(req, status)
	if payload == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return data
}

func actorFrom(req *http.Request) Actor {
	if subject, ok := common.Operator(req.Context()); ok {
		return Actor{Kind: ActorKindOperator, Subject: subject}
	}
	return Actor{Kind: ActorKindAnonymous}
}
