package chat

import (
	"errors"
	"net/http"
	"strings"
)

// Identity headers set by the upstream gateway once it has authenticated the
// caller. Browsers cannot set headers on a WebSocket handshake, so the upgrade
// path also accepts the participant_id and role query parameters.
const (
	HeaderParticipantID   = "X-Participant-ID"
	HeaderParticipantRole = "X-Participant-Role"
)

// ErrUnauthenticated is returned when a request carries no usable identity.
var ErrUnauthenticated = errors.New("chat: missing or invalid participant identity")

// ParticipantFromRequest extracts the caller's identity from headers, falling
// back to query parameters.
func ParticipantFromRequest(r *http.Request) (Participant, error) {
	id := r.Header.Get(HeaderParticipantID)
	role := r.Header.Get(HeaderParticipantRole)
	if id == "" {
		q := r.URL.Query()
		id = q.Get("participant_id")
		role = q.Get("role")
	}

	p := Participant{ID: strings.TrimSpace(id), Role: Role(strings.ToUpper(strings.TrimSpace(role)))}
	if p.ID == "" || !p.Role.Valid() {
		return Participant{}, ErrUnauthenticated
	}
	return p, nil
}
