// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/square/llmquota"
	"github.com/square/llmquota/logging"
)

// Request bodies are small; anything larger is refused.
const maxBodyBytes = 1 << 20

type httpError struct {
	message string
	reason  string
	status  int
}

func (e *httpError) Error() string {
	return e.message
}

func badRequest(msg string) *httpError {
	return &httpError{message: msg, reason: llmquota.ER_INVALID_ARGUMENT.String(), status: http.StatusBadRequest}
}

// toHTTPError maps engine errors onto status codes. Denials are 429 or 403, store outages 503.
func toHTTPError(err error) *httpError {
	var he *httpError
	if errors.As(err, &he) {
		return he
	}

	reason, ok := llmquota.ReasonOf(err)
	if !ok {
		return &httpError{message: err.Error(), status: http.StatusInternalServerError}
	}

	status := http.StatusInternalServerError
	switch reason {
	case llmquota.ER_DENIED:
		status = http.StatusTooManyRequests
	case llmquota.ER_PLAN_INACTIVE, llmquota.ER_MODEL_NOT_PERMITTED:
		status = http.StatusForbidden
	case llmquota.ER_STORE_UNAVAILABLE:
		status = http.StatusServiceUnavailable
	case llmquota.ER_NOT_FOUND:
		status = http.StatusNotFound
	case llmquota.ER_PLAN_EXISTS:
		status = http.StatusConflict
	case llmquota.ER_INVALID_ARGUMENT:
		status = http.StatusBadRequest
	}
	return &httpError{message: err.Error(), reason: reason.String(), status: status}
}

func writeJSONError(w http.ResponseWriter, err *httpError) {
	response := &ErrorResponse{
		Error:       http.StatusText(err.status),
		Reason:      err.reason,
		Description: err.message}

	if err.status >= http.StatusInternalServerError {
		logging.Printf("Response error: %+v", response)
	} else {
		logging.Debugf("Response error: %+v", response)
	}

	writeJSON(w, err.status, response)
}

func writeJSON(w http.ResponseWriter, status int, object interface{}) {
	b, e := json.Marshal(object)
	if e != nil {
		logging.Printf("Error marshalling JSON! %+v", e)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, e = w.Write(b); e != nil {
		logging.Printf("Error writing JSON! %+v", e)
	}
}

func unmarshalJSON(r io.Reader, object interface{}) error {
	bytes, err := io.ReadAll(io.LimitReader(r, maxBodyBytes))
	if err != nil {
		return err
	}

	if len(bytes) == 0 {
		return badRequest("empty request body")
	}

	if err := json.Unmarshal(bytes, object); err != nil {
		return badRequest("malformed JSON: " + err.Error())
	}
	return nil
}
