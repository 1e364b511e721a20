package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/ember/internal/backend"
	"github.com/samcharles93/ember/internal/kernel"
	"github.com/samcharles93/ember/internal/logger"
	"github.com/samcharles93/ember/internal/metrics"
	"github.com/samcharles93/ember/internal/session"
	"github.com/samcharles93/ember/internal/tensor"
	"github.com/samcharles93/ember/internal/transformer"
	"github.com/samcharles93/ember/internal/weights"
)

func newTestEcho(t *testing.T) *echo.Echo {
	t.Helper()
	b, err := backend.New(backend.CPU, kernel.Config{RMSNormMaxSize: 64, SoftmaxMaxSize: 64}, logger.Discard())
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	w, err := weights.Synthetic(weights.Hyperparams{
		HiddenSize:       8,
		NumHeads:         2,
		NumKVHeads:       1,
		HeadDim:          4,
		IntermediateSize: 12,
		NumLayers:        1,
		VocabSize:        9,
		MaxSeqLen:        16,
		RMSNormEps:       1e-5,
		RopeTheta:        10000,
		DataType:         tensor.F32,
	}, 3)
	if err != nil {
		t.Fatalf("weights: %v", err)
	}
	tr, err := transformer.New(context.Background(), w, b, transformer.WithLogger(logger.Discard()))
	if err != nil {
		t.Fatalf("transformer: %v", err)
	}
	m := metrics.New()
	sessions, err := session.NewManager(tr,
		session.WithLogger(logger.Discard()),
		session.WithMetrics(m),
		session.WithMaxTokens(2),
	)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	t.Cleanup(func() { _ = sessions.Close(context.Background()) })

	e := echo.New()
	NewServer(sessions, m, logger.Discard()).Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return out
}

func TestInferForkDropLifecycle(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t)

	rec := doJSON(t, e, http.MethodPost, "/infer", `{"inputs":[{"role":"user","tokens":[1,2,3]}],"session_id":"a"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("infer status: got %d body=%s", rec.Code, rec.Body.String())
	}
	inferred := decode[InferResponse](t, rec)
	if inferred.SessionID != "a" || len(inferred.Tokens) != 2 || inferred.DialogPos != 1 {
		t.Fatalf("unexpected infer response: %+v", inferred)
	}
	if inferred.Finish != session.FinishLength {
		t.Fatalf("finish reason: got %q", inferred.Finish)
	}

	rec = doJSON(t, e, http.MethodPost, "/fork", `{"session_id":"a","new_session_id":"b"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("fork status: got %d body=%s", rec.Code, rec.Body.String())
	}
	forked := decode[SuccessBody](t, rec)
	if forked.Message != "fork success" || forked.NewSessionID != "b" {
		t.Fatalf("unexpected fork response: %+v", forked)
	}

	rec = doJSON(t, e, http.MethodGet, "/sessions", "")
	list := decode[SessionList](t, rec)
	if len(list.Sessions) != 2 || list.Sessions[0].Digest != list.Sessions[1].Digest {
		t.Fatalf("unexpected sessions: %+v", list)
	}

	rec = doJSON(t, e, http.MethodPost, "/drop", `{"session_id":"a"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("drop status: got %d body=%s", rec.Code, rec.Body.String())
	}
	if dropped := decode[SuccessBody](t, rec); dropped.Message != "drop success" {
		t.Fatalf("unexpected drop response: %+v", dropped)
	}
}

func TestErrorResponses(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t)
	if rec := doJSON(t, e, http.MethodPost, "/infer", `{"inputs":[{"tokens":[4]}],"session_id":"s"}`); rec.Code != http.StatusOK {
		t.Fatalf("seed infer: got %d body=%s", rec.Code, rec.Body.String())
	}

	tests := []struct {
		name    string
		path    string
		body    string
		status  int
		message string
	}{
		{"drop unknown", "/drop", `{"session_id":"nope"}`, http.StatusNotFound, "Session not found"},
		{"fork unknown", "/fork", `{"session_id":"nope","new_session_id":"x"}`, http.StatusNotFound, "Session not found"},
		{"fork duplicate", "/fork", `{"session_id":"s","new_session_id":"s"}`, http.StatusConflict, "Session ID already exists"},
		{"dialog pos", "/infer", `{"inputs":[{"tokens":[1]}],"session_id":"s","dialog_pos":5}`, http.StatusRequestedRangeNotSatisfiable, "Dialog position out of range"},
		{"malformed", "/infer", `{"inputs":`, http.StatusBadRequest, ""},
		{"bad token", "/infer", `{"inputs":[{"tokens":[100]}]}`, http.StatusBadRequest, ""},
		{"bad top_p", "/infer", `{"inputs":[{"tokens":[1]}],"top_p":3}`, http.StatusBadRequest, ""},
		{"missing id", "/drop", `{}`, http.StatusBadRequest, "missing field `session_id`"},
	}
	for _, tc := range tests {
		rec := doJSON(t, e, http.MethodPost, tc.path, tc.body)
		if rec.Code != tc.status {
			t.Errorf("%s: status got %d want %d body=%s", tc.name, rec.Code, tc.status, rec.Body.String())
			continue
		}
		body := decode[ErrorBody](t, rec)
		if body.Status != tc.status || body.Code != 0 {
			t.Errorf("%s: unexpected body %+v", tc.name, body)
		}
		if tc.message != "" && body.Message != tc.message {
			t.Errorf("%s: message got %q want %q", tc.name, body.Message, tc.message)
		}
	}

	rec := doJSON(t, e, http.MethodPost, "/infer", `{"inputs":[],"session_id":"s","dialog_pos":2}`)
	body := decode[ErrorBody](t, rec)
	if body.CurrentDialogPos == nil || *body.CurrentDialogPos != 1 {
		t.Fatalf("expected current_dialog_pos 1, got %s", rec.Body.String())
	}
}

func TestErrorBodyMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("wrapped: %w", session.ErrSessionBusy), http.StatusNotAcceptable},
		{session.ErrSessionNotFound, http.StatusNotFound},
		{session.ErrSessionDuplicate, http.StatusConflict},
		{&session.InvalidDialogPosError{Requested: 4, Current: 2}, http.StatusRequestedRangeNotSatisfiable},
		{transformer.ErrSequenceTooLong, http.StatusBadRequest},
		{session.ErrClosed, http.StatusServiceUnavailable},
		{context.Canceled, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		if got := errorBody(tc.err); got.Status != tc.status {
			t.Errorf("errorBody(%v): got %d want %d", tc.err, got.Status, tc.status)
		}
	}
	if msg := errorBody(session.ErrSessionBusy).Message; msg != "Session is busy" {
		t.Fatalf("busy message: got %q", msg)
	}
}

func TestInferCBOR(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t)

	payload, err := cbor.Marshal(InferRequest{Inputs: []session.Dialog{{Role: "user", Tokens: []uint32{5, 6}}}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/infer", bytes.NewReader(payload))
	req.Header.Set(echo.HeaderContentType, MIMEApplicationCBOR)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != MIMEApplicationCBOR {
		t.Fatalf("content type: got %q", ct)
	}
	var out InferResponse
	if err := cbor.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.SessionID == "" || len(out.Tokens) != 2 {
		t.Fatalf("unexpected response: %+v", out)
	}
}

func TestInferStream(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t)

	rec := doJSON(t, e, http.MethodPost, "/infer", `{"inputs":[{"tokens":[1,2]}],"stream":true,"max_tokens":3}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "text/event-stream" {
		t.Fatalf("content type: got %q", ct)
	}
	out := rec.Body.String()
	if n := strings.Count(out, "event: token\n"); n != 3 {
		t.Fatalf("expected 3 token events, got %d: %s", n, out)
	}
	if !strings.Contains(out, "event: done\n") {
		t.Fatalf("missing done event: %s", out)
	}
}

func TestGreedyRequestsAreDeterministic(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t)
	body := `{"inputs":[{"tokens":[3,1,4]}],"temperature":0,"max_tokens":2}`
	first := decode[InferResponse](t, doJSON(t, e, http.MethodPost, "/infer", body))
	second := decode[InferResponse](t, doJSON(t, e, http.MethodPost, "/infer", body))
	if fmt.Sprint(first.Tokens) != fmt.Sprint(second.Tokens) {
		t.Fatalf("greedy outputs differ: %v vs %v", first.Tokens, second.Tokens)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t)

	rec := doJSON(t, e, http.MethodGet, "/healthz", "")
	health := decode[Health](t, rec)
	if health.Status != "ok" || health.Backend != backend.CPU || health.MaxSeqLen != 16 {
		t.Fatalf("unexpected health: %+v", health)
	}

	doJSON(t, e, http.MethodPost, "/drop", `{"session_id":"missing"}`)
	rec = doJSON(t, e, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status: got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `ember_requests_total{route="/drop",status="404"} 1`) {
		t.Fatalf("expected drop request counter, got: %s", rec.Body.String())
	}
}
