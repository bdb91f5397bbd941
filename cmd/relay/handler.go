package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/airbusgeo/landsat-ingester/service/log"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	// AuthorizationHeader is the header key to get the authorization token
	AuthorizationHeader = "authorization"
	tokenPrefix         = "Bearer "
)

// Presigner returns a temporary public url of a storage key (service.ObjectStore)
type Presigner interface {
	PresignedURL(ctx context.Context, key string, expires time.Duration) (string, error)
}

// Relay redirects the asset hrefs of the catalog to presigned urls of the storage
type Relay struct {
	Store Presigner
	// Scope must be found in the path of the requested key
	Scope string
	// Expires is the validity of the presigned urls
	Expires time.Duration
}

// Router returns the routes of the relay
func (rl *Relay) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/{key:.*}", rl.redirect).Methods(http.MethodGet, http.MethodHead)
	return router
}

func (rl *Relay) redirect(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(mux.Vars(r)["key"], "/")
	if key == "" || !strings.Contains(key, rl.Scope) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found", "key": key})
		return
	}
	u, err := rl.Store.PresignedURL(r.Context(), key, rl.Expires)
	if err != nil {
		log.Logger(r.Context()).Error("presign failed", zap.String("key", key), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error", "key": key})
		return
	}
	http.Redirect(w, r, u, http.StatusFound)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// BearerAuthenticate rejects the requests without the token, unless token is empty
func BearerAuthenticate(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := authenticate(token, r.Header.Get(AuthorizationHeader)); err != nil {
			writeJSON(w, http.StatusForbidden, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func authenticate(expected, header string) error {
	if expected == "" {
		return nil // No auth required
	}
	switch {
	case header == "":
		return fmt.Errorf("token not found")
	case !strings.HasPrefix(header, tokenPrefix):
		return fmt.Errorf("missing %q prefix", tokenPrefix)
	case subtle.ConstantTimeCompare([]byte(strings.TrimPrefix(header, tokenPrefix)), []byte(expected)) != 1:
		return fmt.Errorf("invalid token")
	}
	return nil
}
