package api

import (
	"encoding/json"
	"net/http"
)

func WriteJSON(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	encoder := json.NewEncoder(w)
	// Some payloads carry URLs; escaping &, < and > would mangle them.
	encoder.SetEscapeHTML(false)
	_ = encoder.Encode(data)
}
