// Copyright 2026 The Mimir Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package aggregator

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"
	"mellium.im/xmpp/jid"
)

type setFeedRequest struct {
	Handle string `json:"handle"`
	URL    string `json:"url"`
}

type setFeedResponse struct {
	URI string `json:"uri"`
}

type webError struct {
	Error string `json:"error"`
}

// WebHandler serves the HTTP control surface: POST /setfeed with a
// JSON body adds or updates a feed and returns the xmpp URI of its
// pub-sub node.
func WebHandler(service *Service, pubsubService jid.JID, logger zerolog.Logger) http.Handler {
	log := logger.With().Str("component", "web").Logger()

	mux := http.NewServeMux()
	mux.HandleFunc("/setfeed", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req setFeedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, webError{Error: "malformed request"})
			return
		}

		_, err := service.SetFeed(req.Handle, req.URL)
		if errors.Is(err, ErrInvalidHandle) {
			writeJSON(w, http.StatusBadRequest, webError{Error: "invalid handle"})
			return
		}
		if err != nil {
			log.Error().Err(err).Str("handle", req.Handle).Msg("set feed failed")
			writeJSON(w, http.StatusInternalServerError, webError{Error: "internal error"})
			return
		}

		writeJSON(w, http.StatusOK, setFeedResponse{
			URI: "xmpp:" + pubsubService.String() + "?;node=" + NodePrefix + req.Handle,
		})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
