package monitor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"lanvoice/internal/session"
)

type fakeSource struct {
	members []session.Member
	in, out, bytesIn, dropped uint64
}

func (f fakeSource) FanoutStats() (uint64, uint64, uint64, uint64) {
	return f.in, f.out, f.bytesIn, f.dropped
}
func (f fakeSource) Snapshot() []session.Member { return f.members }

func TestHandleHealth(t *testing.T) {
	src := fakeSource{members: []session.Member{{ID: 1}, {ID: 2}}}
	s := New(src)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c := s.echo.NewContext(req, rec)

	if err := s.handleHealth(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Members != 2 || body.Status != "ok" {
		t.Fatalf("body = %+v", body)
	}
}

func TestHandleSession(t *testing.T) {
	src := fakeSource{members: []session.Member{
		{ID: 1, Name: "alice", State: session.StateInSession, Talking: true},
	}}
	s := New(src)

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	rec := httptest.NewRecorder()
	c := s.echo.NewContext(req, rec)

	if err := s.handleSession(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	var body sessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Members) != 1 || body.Members[0].State != "in-session" || !body.Members[0].Talking {
		t.Fatalf("body = %+v", body)
	}
}

func TestHandleMetrics(t *testing.T) {
	src := fakeSource{in: 10, out: 20, bytesIn: 100, dropped: 1}
	s := New(src)

	req := httptest.NewRequest(http.MethodGet, "/api/metrics", nil)
	rec := httptest.NewRecorder()
	c := s.echo.NewContext(req, rec)

	if err := s.handleMetrics(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	var body metricsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.DatagramsIn != 10 || body.DatagramsOut != 20 || body.Dropped != 1 {
		t.Fatalf("body = %+v", body)
	}
}
