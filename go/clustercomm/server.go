package clustercomm

import (
	"encoding/json"
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/tesserdb/tesser/go/identity"
)

// AnswerHandler returns the handler of the coordinator's answer
// endpoint, mounted at AnswerPath. With a non-empty |secret|, peers
// must present a valid cluster token.
func (cc *ClusterComm) AnswerHandler(secret []byte) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut && r.Method != http.MethodPost {
			answerError(w, http.StatusMethodNotAllowed, "expected PUT")
			return
		}
		if len(secret) != 0 {
			var peer, err = identity.VerifyAuthorization(r.Header.Get("Authorization"), secret)
			if err != nil {
				log.WithField("err", err).Warn("rejecting unauthenticated answer")
				answerError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			log.WithField("peer", peer).Debug("accepted authenticated answer")
		}

		var coordHeader = r.Header.Get(HeaderCoordinator)
		if coordHeader == "" {
			answerError(w, http.StatusBadRequest, "missing "+HeaderCoordinator+" header")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			answerError(w, http.StatusBadRequest, "reading body: "+err.Error())
			return
		}

		var answer = &Answer{
			Method: r.Method,
			Path:   r.URL.Path,
			Header: r.Header,
			Body:   body,
		}
		if msg := cc.ProcessAnswer(coordHeader, answer); msg != "" {
			answerError(w, http.StatusNotFound, msg)
			return
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": false})
	})
}

func answerError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":        true,
		"code":         status,
		"errorMessage": msg,
	})
}
