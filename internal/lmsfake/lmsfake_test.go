package lmsfake

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() { gin.SetMode(gin.TestMode) }

func upload(t *testing.T, h http.Handler, token, query, content string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("attachment", "users.csv")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = part.Write([]byte(content))
	_ = w.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/accounts/self/sis_imports.json"+query, &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func poll(h http.Handler, token, id string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/accounts/self/sis_imports/"+id, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestUploadAndScriptedPolls(t *testing.T) {
	s := New("tok", 100)
	s.Script(Status{0, "created"}, Status{50, "importing"}, Status{100, "imported"})
	h := s.Handler()

	rec := upload(t, h, "tok", "?import_type=instructure_csv", "a,b\n1,2\n")
	if rec.Code != http.StatusOK {
		t.Fatalf("upload status %d: %s", rec.Code, rec.Body)
	}
	var started struct{ ID int }
	if err := json.Unmarshal(rec.Body.Bytes(), &started); err != nil {
		t.Fatal(err)
	}
	if started.ID != 100 {
		t.Fatalf("id = %d, want 100", started.ID)
	}

	want := []string{"created", "importing", "imported", "imported"}
	for i, w := range want {
		rec := poll(h, "tok", "100")
		var st Status
		if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
			t.Fatal(err)
		}
		if st.WorkflowState != w {
			t.Fatalf("poll %d state = %q, want %q", i, st.WorkflowState, w)
		}
	}
	if got := s.Polls(100); got != 4 {
		t.Fatalf("polls = %d", got)
	}
	ups := s.Uploads()
	if len(ups) != 1 || ups[0].Filename != "users.csv" || ups[0].Content != "a,b\n1,2\n" {
		t.Fatalf("uploads = %+v", ups)
	}
}

func TestAuthAndValidation(t *testing.T) {
	s := New("tok", 1)
	h := s.Handler()

	if rec := upload(t, h, "wrong", "?import_type=instructure_csv", "x"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: %d", rec.Code)
	}
	if rec := upload(t, h, "tok", "", "x"); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing import_type: %d", rec.Code)
	}
	if rec := poll(h, "tok", "999"); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown job: %d", rec.Code)
	}
	if rec := poll(h, "tok", "abc"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id: %d", rec.Code)
	}
}

func TestSeedAndFail(t *testing.T) {
	s := New("", 1)
	s.Seed(42)
	h := s.Handler()
	if rec := poll(h, "", "42"); rec.Code != http.StatusOK {
		t.Fatalf("seeded job: %d", rec.Code)
	}

	s.Fail(http.StatusInternalServerError, `{"errors":[{"message":"boom"}]}`, true)
	if rec := poll(h, "", "42"); rec.Code != http.StatusInternalServerError {
		t.Fatalf("injected failure: %d", rec.Code)
	}
	if rec := upload(t, h, "", "?import_type=instructure_csv", "x"); rec.Code != http.StatusOK {
		t.Fatalf("pollsOnly failure must not affect uploads: %d", rec.Code)
	}
	s.Fail(0, "", false)
	if rec := poll(h, "", "42"); rec.Code != http.StatusOK {
		t.Fatalf("after reset: %d", rec.Code)
	}
}
