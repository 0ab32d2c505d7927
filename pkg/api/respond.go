package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/vikashloomba/mcphub-go/pkg/hub"
	"github.com/vikashloomba/mcphub-go/pkg/mcperr"
)

// statusFor maps an error kind to an HTTP status.
func statusFor(kind mcperr.Kind) int {
	switch kind {
	case mcperr.KindConfiguration:
		return http.StatusBadRequest
	case mcperr.KindAuthentication:
		return http.StatusUnauthorized
	case mcperr.KindNotFound:
		return http.StatusNotFound
	case mcperr.KindRateLimited:
		return http.StatusTooManyRequests
	case mcperr.KindConnection:
		return http.StatusBadGateway
	case mcperr.KindToolExecution, mcperr.KindInstallation, mcperr.KindProcess:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respond[T any](w http.ResponseWriter, res hub.Response[T]) {
	status := http.StatusOK
	if !res.Success {
		status = statusFor(res.ErrorKind)
	}
	writeJSON(w, status, res)
}

func respondError(w http.ResponseWriter, err error) {
	respond(w, hub.Response[any]{Message: mcperr.Message(err), ErrorKind: mcperr.KindOf(err)})
}

// decode reads a JSON body into T. An empty body yields the zero value
// when optional is set.
func decode[T any](w http.ResponseWriter, r *http.Request, optional bool) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return v, true
		}
		respondError(w, mcperr.Newf(mcperr.KindConfiguration, "invalid request body: %v", err))
		return v, false
	}
	return v, true
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
