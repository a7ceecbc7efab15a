//
//
package api

import (
	"encoding/json"
	"net/http"

	"github.com/rs/xid"
)

const (
	resultOK    = "ok"
	resultError = "error"

	codeUnavailable = "UNAVAILABLE"
)

// Envelope wraps every ops response body. CorrelationID is unique per reply.
type Envelope struct {
	Result        string `json:"result"`
	Data          any    `json:"data,omitempty"`
	Code          string `json:"code,omitempty"`
	Message       string `json:"message,omitempty"`
	CorrelationID string `json:"correlationId"`
}

func success(data any) *Envelope {
	return &Envelope{Result: resultOK, Data: data, CorrelationID: xid.New().String()}
}

func failure(code, message string, data any) *Envelope {
	return &Envelope{
		Result:        resultError,
		Data:          data,
		Code:          code,
		Message:       message,
		CorrelationID: xid.New().String(),
	}
}

// write encodes env with status.
func (env *Envelope) write(w http.ResponseWriter, status int) {
	body, err := json.Marshal(env)
	if err != nil {
		http.Error(w, "internal error: "+err.Error(), http.StatusInternalServerError)
		return
	}
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}
