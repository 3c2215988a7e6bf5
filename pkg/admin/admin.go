// Package admin serves the control-plane endpoints on the admin listener.
package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"s3gate/pkg/security/auth"
)

// KeyLister lists configured access keys without their secrets.
type KeyLister interface {
	Keys() []auth.KeyInfo
}

// Info describes the running gateway.
type Info struct {
	Version      string
	Address      string
	AdminAddress string
	AuthMode     string
}

var now = time.Now

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func getOnly(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// NewHealthHandler reports liveness plus readiness as returned by ready.
func NewHealthHandler(info Info, ready func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !getOnly(w, r) {
			return
		}
		writeJSON(w, map[string]any{
			"status":    "ok",
			"ready":     ready != nil && ready(),
			"version":   info.Version,
			"address":   info.Address,
			"admin":     info.AdminAddress,
			"authMode":  info.AuthMode,
			"timestamp": now().UTC().Format(time.RFC3339),
		})
	}
}

func NewVersionHandler(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !getOnly(w, r) {
			return
		}
		writeJSON(w, map[string]string{
			"version":   version,
			"timestamp": now().UTC().Format(time.RFC3339),
		})
	}
}

// NewKeysHandler returns GET /admin/keys: {"keys":[{"accessKey","user"}]}.
// With no key store (auth disabled) the list is empty.
func NewKeysHandler(keys KeyLister) http.HandlerFunc {
	type response struct {
		Count int            `json:"count"`
		Keys  []auth.KeyInfo `json:"keys"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !getOnly(w, r) {
			return
		}
		resp := response{Keys: []auth.KeyInfo{}}
		if keys != nil {
			if ks := keys.Keys(); ks != nil {
				resp.Keys = ks
			}
		}
		resp.Count = len(resp.Keys)
		writeJSON(w, resp)
	}
}

// Routes mounts every admin endpoint on a new mux.
func Routes(info Info, ready func() bool, keys KeyLister) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/admin/health", NewHealthHandler(info, ready))
	mux.Handle("/admin/version", NewVersionHandler(info.Version))
	mux.Handle("/admin/keys", NewKeysHandler(keys))
	return mux
}
