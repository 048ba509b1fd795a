package apierror

import (
	"encoding/json"
	"net/http"
	"strconv"
)

type Response struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func Write(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{Code: code, Message: message})
}

// WriteRetryAfter is Write plus a Retry-After hint, for rejections the
// client is expected to retry, such as exhausted render capacity.
func WriteRetryAfter(w http.ResponseWriter, status int, code, message string, retryAfterSeconds int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	Write(w, status, code, message)
}
