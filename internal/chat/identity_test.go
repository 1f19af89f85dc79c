package chat

import (
	"errors"
	"net/http/httptest"
	"testing"
)

func TestParticipantFromRequest_Headers(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/users/u1/conversation", nil)
	r.Header.Set(HeaderParticipantID, "u1")
	r.Header.Set(HeaderParticipantRole, "END_USER")

	p, err := ParticipantFromRequest(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID != "u1" || p.Role != RoleEndUser {
		t.Errorf("unexpected participant: %+v", p)
	}
}

func TestParticipantFromRequest_Query(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?participant_id=op-1&role=operator", nil)

	p, err := ParticipantFromRequest(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID != "op-1" || p.Role != RoleOperator {
		t.Errorf("unexpected participant: %+v", p)
	}
}

func TestParticipantFromRequest_Rejects(t *testing.T) {
	for _, target := range []string{"/ws", "/ws?participant_id=x&role=guest", "/ws?role=ADMIN"} {
		r := httptest.NewRequest("GET", target, nil)
		if _, err := ParticipantFromRequest(r); !errors.Is(err, ErrUnauthenticated) {
			t.Errorf("%s: expected ErrUnauthenticated, got %v", target, err)
		}
	}
}

func TestValidateMessage(t *testing.T) {
	if err := ValidateMessage("hello"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	for _, body := range []string{"", "   \n\t", string([]byte{0xff, 0xfe})} {
		if err := ValidateMessage(body); err == nil {
			t.Errorf("expected %q to be rejected", body)
		}
	}
	long := make([]rune, MaxTextChars+1)
	for i := range long {
		long[i] = 'a'
	}
	if err := ValidateMessage(string(long)); err == nil {
		t.Error("expected over-long body to be rejected")
	}
}
