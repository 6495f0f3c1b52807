package conversation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func newTestServer(t *testing.T, analyzer Analyzer) (*echo.Echo, *Manager) {
	t.Helper()
	factory := func(ctx context.Context, id string) (*Store, error) {
		return NewStore(id, "doctor-1", testLogger()), nil
	}
	mgr := NewManager(factory, analyzer, func(label string) string { return "label=" + label }, testLogger())
	e := echo.New()
	NewHandler(mgr).RegisterRoutes(e.Group("/api"))
	return e, mgr
}

func doJSON(e *echo.Echo, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandlerAppendMessage(t *testing.T) {
	e, _ := newTestServer(t, &stubAnalyzer{})

	rec := doJSON(e, http.MethodPost, "/api/conversations/conv-a/messages",
		`{"from":"patient","to":"doctor","text":"my blood pressure is high"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var msg Message
	if err := json.Unmarshal(rec.Body.Bytes(), &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.ID == "" || msg.Timestamp.IsZero() {
		t.Errorf("server must stamp id and timestamp, got %+v", msg)
	}
	if msg.From != RolePatient || msg.To != RoleDoctor {
		t.Errorf("unexpected roles: %+v", msg)
	}
}

func TestHandlerAppendMessage_RejectsEmptyDraft(t *testing.T) {
	e, _ := newTestServer(t, &stubAnalyzer{})

	rec := doJSON(e, http.MethodPost, "/api/conversations/conv-a/messages",
		`{"from":"patient","to":"doctor","text":"   "}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandlerListVisibleMessages(t *testing.T) {
	e, mgr := newTestServer(t, &stubAnalyzer{})
	ctx := context.Background()

	conv, _ := mgr.Open(ctx, "conv-a")
	store := conv.Store()
	if _, err := store.AppendMessage(ctx, Draft{From: RolePatient, To: RoleDoctor, Text: "my blood pressure is high"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := store.AppendMessage(ctx, Draft{From: RoleLab, To: RoleDoctor, Text: "results attached"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	rec := doJSON(e, http.MethodGet, "/api/conversations/conv-a/messages?viewer=doctor&counterpart=patient", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Data []visibleMessage `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Data) != 1 {
		t.Fatalf("doctor/patient tab must hide the lab thread, got %d messages", len(resp.Data))
	}
	if got := resp.Data[0].SuggestedActions; len(got) != 1 || got[0] != InsightVitals {
		t.Errorf("expected vitals affordance, got %v", got)
	}

	// Patient and lab are pinned to the doctor regardless of what they ask.
	rec = doJSON(e, http.MethodGet, "/api/conversations/conv-a/messages?viewer=lab&counterpart=patient", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, m := range resp.Data {
		if m.From == RolePatient || m.To == RolePatient {
			t.Errorf("patient traffic leaked into the lab view: %+v", m.Message)
		}
	}
}

func TestHandlerListVisibleMessages_RejectsBadRoles(t *testing.T) {
	e, _ := newTestServer(t, &stubAnalyzer{})

	rec := doJSON(e, http.MethodGet, "/api/conversations/conv-a/messages?viewer=nurse", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown viewer, got %d", rec.Code)
	}

	rec = doJSON(e, http.MethodGet, "/api/conversations/conv-a/messages?viewer=doctor&counterpart=doctor", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for doctor/doctor tab, got %d", rec.Code)
	}
}

func TestHandlerProfileRoundTrip(t *testing.T) {
	e, _ := newTestServer(t, &stubAnalyzer{})

	rec := doJSON(e, http.MethodGet, "/api/conversations/conv-a/profile", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before any profile is set, got %d", rec.Code)
	}

	rec = doJSON(e, http.MethodPut, "/api/conversations/conv-a/profile",
		`{"name":"Ada","age":34,"sex":"female"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(e, http.MethodGet, "/api/conversations/conv-a/profile", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var p PatientProfile
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Name != "Ada" || p.Age != 34 || p.Sex != SexFemale {
		t.Errorf("unexpected profile: %+v", p)
	}
}

func TestHandlerSetProfile_RejectsInvalid(t *testing.T) {
	e, _ := newTestServer(t, &stubAnalyzer{})

	rec := doJSON(e, http.MethodPut, "/api/conversations/conv-a/profile",
		`{"name":"","age":-3,"sex":"robot"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandlerSnapshot(t *testing.T) {
	e, mgr := newTestServer(t, &stubAnalyzer{})
	ctx := context.Background()

	conv, _ := mgr.Open(ctx, "conv-a")
	if _, err := conv.Store().AppendMessage(ctx, Draft{From: RolePatient, To: RoleDoctor, Text: "hello"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := conv.Store().SetProfile(ctx, PatientProfile{Name: "Ada", Age: 34, Sex: SexFemale}); err != nil {
		t.Fatalf("seed profile: %v", err)
	}

	rec := doJSON(e, http.MethodGet, "/api/conversations/conv-a/snapshot", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var snap snapshotResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snap.Messages) != 1 {
		t.Errorf("expected 1 message, got %d", len(snap.Messages))
	}
	if snap.Profile == nil || snap.Profile.Name != "Ada" {
		t.Errorf("expected profile in snapshot, got %+v", snap.Profile)
	}
}

func TestHandlerInsightFlow(t *testing.T) {
	analyzer := &stubAnalyzer{insights: []string{"BP elevated"}}
	e, mgr := newTestServer(t, analyzer)
	ctx := context.Background()

	conv, _ := mgr.Open(ctx, "conv-a")
	msg, _ := conv.Store().AppendMessage(ctx, Draft{From: RolePatient, To: RoleDoctor, Text: "my blood pressure is high"})

	rec := doJSON(e, http.MethodPost, "/api/conversations/conv-a/messages/"+msg.ID+"/insights",
		`{"kind":"vitals"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var ann Annotation
	if err := json.Unmarshal(rec.Body.Bytes(), &ann); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ann.Status != AnnotationOK || len(ann.Insights) != 1 {
		t.Errorf("unexpected annotation: %+v", ann)
	}

	rec = doJSON(e, http.MethodGet, "/api/conversations/conv-a/messages/"+msg.ID+"/insights", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var anns []Annotation
	if err := json.Unmarshal(rec.Body.Bytes(), &anns); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(anns) != 1 {
		t.Errorf("expected one recorded annotation, got %d", len(anns))
	}

	// Unknown message and ineligible kind map to 404 and 400.
	rec = doJSON(e, http.MethodPost, "/api/conversations/conv-a/messages/nope/insights", `{"kind":"vitals"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown message, got %d", rec.Code)
	}
	rec = doJSON(e, http.MethodPost, "/api/conversations/conv-a/messages/"+msg.ID+"/insights", `{"kind":"imaging"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unoffered kind, got %d", rec.Code)
	}
}
