// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package web

import (
	"net/http"

	"github.com/samber/oops"
)

// originCheck rejects state-changing requests whose Origin (or, failing
// that, Referer) header names an untrusted origin. Requests carrying
// neither header come from non-browser clients and pass.
func (h *Handler) originCheck(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}

		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = r.Header.Get("Referer")
		}
		if origin != "" && !h.svc.IsTrustedOrigin(origin) {
			err := oops.Code(codeInvalidOrigin).With("origin", origin).Errorf("invalid origin")
			h.metrics.RecordRequest("origin-check", h.writeError(w, r, err))
			return
		}
		next.ServeHTTP(w, r)
	})
}
