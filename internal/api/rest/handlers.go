package rest

import (
	"encoding/json"
	"net/http"

	"github.com/cockroachdb/errors"

	"github.com/arohanajit/Distributed-Compute/internal/cluster"
	"github.com/arohanajit/Distributed-Compute/internal/task"
)

// maxPayloadSize bounds admin request bodies
const maxPayloadSize = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPayloadSize))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// statusFor maps cluster errors onto HTTP status codes. Anything the peer
// or the network caused is a bad gateway.
func statusFor(err error) int {
	switch {
	case errors.Is(err, task.ErrUnknownUnit):
		return http.StatusBadRequest
	case errors.Is(err, cluster.ErrNoPeers):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
