package smythfs

import (
	"net/http"

	"github.com/rakunlabs/at/internal/sreerr"
)

// RouteGroup is the subset of *ada.Router (the type returned by
// ada.New() and (*ada.Router).Group, per the teacher's server.go wiring)
// that route registration needs, kept local so this package does not
// import github.com/rakunlabs/ada just for a type name.
type RouteGroup interface {
	GET(path string, handler http.HandlerFunc)
}

// RegisterRoutes wires the /_temp/{token} and /_resource/* endpoints onto
// an ada route group, following the teacher's server.go convention of
// grouping routes under a router and registering one handler method per
// route.
func (fs *FS) RegisterRoutes(group RouteGroup) {
	group.GET("/_temp/{token}", fs.handleTemp)
	group.GET("/_resource/*", fs.handleResource)
}

func (fs *FS) handleTemp(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if token == "" {
		http.Error(w, "missing temp token", http.StatusBadRequest)
		return
	}

	data, contentType, err := fs.ResolveTempURL(r.Context(), token)
	if err != nil {
		status := http.StatusInternalServerError
		if sreerr.IsNotFound(err) {
			status = http.StatusNotFound
		} else if sreerr.IsAccessDenied(err) {
			status = http.StatusForbidden
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleResource serves the stable "/_resource/<role>/<owner>/<path>" form
// issued by GenResourceURL.
func (fs *FS) handleResource(w http.ResponseWriter, r *http.Request) {
	storagePath := r.PathValue("*")
	if storagePath == "" {
		http.Error(w, "missing resource path", http.StatusBadRequest)
		return
	}

	data, contentType, err := fs.ResolveResourceURL(r.Context(), storagePath)
	if err != nil {
		status := http.StatusInternalServerError
		if sreerr.IsNotFound(err) {
			status = http.StatusNotFound
		} else if sreerr.IsAccessDenied(err) {
			status = http.StatusForbidden
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=60")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
