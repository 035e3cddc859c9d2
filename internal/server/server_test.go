package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image/color"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"

	"grimoire/internal/app"
	"grimoire/internal/cleanup"
	"grimoire/internal/cover"
	"grimoire/internal/identity"
	"grimoire/pkg/domain"
	"grimoire/pkg/storage"
	"grimoire/pkg/store"
)

type serverEnv struct {
	router   http.Handler
	verifier *identity.Verifier
	imageDir string
}

func newServerEnv(t *testing.T) serverEnv {
	t.Helper()
	imageDir := t.TempDir()

	images, err := storage.NewLocalStore(imageDir, "http://localhost:4000")
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}
	deriver, err := cover.NewDeriver(t.TempDir())
	if err != nil {
		t.Fatalf("new deriver: %v", err)
	}
	a, err := app.New(app.Config{
		Store:   store.NewMemoryStore(),
		Images:  images,
		Deriver: deriver,
		Janitor: cleanup.New(cleanup.Config{Synchronous: true}),
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	verifier, err := identity.NewVerifier("test-secret")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	srv, err := New(Config{
		App:       a,
		Verifier:  verifier,
		UploadDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return serverEnv{router: srv.Router(), verifier: verifier, imageDir: imageDir}
}

func (e serverEnv) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := e.verifier.Sign(userID, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func (e serverEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func coverBytes(t *testing.T) []byte {
	t.Helper()
	img := imaging.New(800, 600, color.NRGBA{R: 200, G: 40, B: 40, A: 255})
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG); err != nil {
		t.Fatalf("encode cover: %v", err)
	}
	return buf.Bytes()
}

func multipartBody(t *testing.T, bookJSON string, image []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if bookJSON != "" {
		if err := w.WriteField("book", bookJSON); err != nil {
			t.Fatalf("write book field: %v", err)
		}
	}
	if image != nil {
		part, err := w.CreateFormFile("image", "cover.jpg")
		if err != nil {
			t.Fatalf("create image part: %v", err)
		}
		if _, err := part.Write(image); err != nil {
			t.Fatalf("write image part: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return &buf, w.FormDataContentType()
}

func (e serverEnv) createBook(t *testing.T, owner, title string) domain.Book {
	t.Helper()
	body, contentType := multipartBody(t, fmt.Sprintf(`{"title":%q,"author":"A. Writer","year":1998,"genre":"fantasy"}`, title), coverBytes(t))
	req := httptest.NewRequest(http.MethodPost, "/books", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+e.token(t, owner))
	rec := e.do(t, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status %d body %s", rec.Code, rec.Body.String())
	}
	var book domain.Book
	if err := json.Unmarshal(rec.Body.Bytes(), &book); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	return book
}

func TestHealthz(t *testing.T) {
	env := newServerEnv(t)
	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
}

func TestCreateAndListBooks(t *testing.T) {
	env := newServerEnv(t)
	book := env.createBook(t, "u1", "Le Grimoire")

	if book.OwnerID != "u1" {
		t.Fatalf("owner: %q", book.OwnerID)
	}
	if !strings.Contains(book.ImageURL, "/images/optimized-") {
		t.Fatalf("image url: %q", book.ImageURL)
	}

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/books", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list status: %d", rec.Code)
	}
	var books []domain.Book
	if err := json.Unmarshal(rec.Body.Bytes(), &books); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(books) != 1 || books[0].ID != book.ID {
		t.Fatalf("list: %+v", books)
	}
}

func TestCreateRejectsAnonymousCallers(t *testing.T) {
	env := newServerEnv(t)
	body, contentType := multipartBody(t, `{"title":"x"}`, coverBytes(t))
	req := httptest.NewRequest(http.MethodPost, "/books", body)
	req.Header.Set("Content-Type", contentType)
	rec := env.do(t, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status: %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/books", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = env.do(t, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status: %d", rec.Code)
	}
}

func TestCreateRequiresImagePart(t *testing.T) {
	env := newServerEnv(t)
	body, contentType := multipartBody(t, `{"title":"x"}`, nil)
	req := httptest.NewRequest(http.MethodPost, "/books", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+env.token(t, "u1"))
	rec := env.do(t, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: %d body %s", rec.Code, rec.Body.String())
	}
}

func TestGetBookAndUnknownID(t *testing.T) {
	env := newServerEnv(t)
	book := env.createBook(t, "u1", "Le Grimoire")

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/books/"+book.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get status: %d", rec.Code)
	}

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/books/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id status: %d", rec.Code)
	}
}

func TestBestRatingIsNotAnID(t *testing.T) {
	env := newServerEnv(t)

	// An empty catalog must still answer the fixed route with a list.
	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/books/bestrating", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d body %s", rec.Code, rec.Body.String())
	}

	grades := map[string]int{"a": 2, "b": 5, "c": 3, "d": 4}
	for title, grade := range grades {
		book := env.createBook(t, "owner-"+title, title)
		req := httptest.NewRequest(http.MethodPost, "/books/"+book.ID+"/rating",
			strings.NewReader(fmt.Sprintf(`{"rating":%d}`, grade)))
		req.Header.Set("Authorization", "Bearer "+env.token(t, "rater"))
		if rec := env.do(t, req); rec.Code != http.StatusOK {
			t.Fatalf("rate %s: status %d body %s", title, rec.Code, rec.Body.String())
		}
	}

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/books/bestrating", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	var top []domain.Book
	if err := json.Unmarshal(rec.Body.Bytes(), &top); err != nil {
		t.Fatalf("decode top: %v", err)
	}
	if len(top) != 3 || top[0].Title != "b" {
		t.Fatalf("top: %+v", top)
	}
}

func TestRateBookEndpoint(t *testing.T) {
	env := newServerEnv(t)
	book := env.createBook(t, "u1", "Le Grimoire")

	rate := func(token, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/books/"+book.ID+"/rating", strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+token)
		return env.do(t, req)
	}

	rec := rate(env.token(t, "u2"), `{"userId":"u2","rating":4}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("rate status: %d body %s", rec.Code, rec.Body.String())
	}
	var rated domain.Book
	if err := json.Unmarshal(rec.Body.Bytes(), &rated); err != nil {
		t.Fatalf("decode rated: %v", err)
	}
	if rated.AverageRating != 4 || len(rated.Ratings) != 1 {
		t.Fatalf("rated: %+v", rated)
	}

	if rec := rate(env.token(t, "u2"), `{"rating":5}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("duplicate rating status: %d", rec.Code)
	}
	if rec := rate(env.token(t, "u3"), `{"userId":"someone-else","rating":5}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("spoofed userId status: %d", rec.Code)
	}
	if rec := rate(env.token(t, "u3"), `{"rating":0}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("out-of-range grade status: %d", rec.Code)
	}
	if rec := rate(env.token(t, "u3"), `{"rating":4.5}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("fractional grade status: %d", rec.Code)
	}
	if rec := rate(env.token(t, "u3"), `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing grade status: %d", rec.Code)
	}
}

func TestModifyBookIsOwnerGated(t *testing.T) {
	env := newServerEnv(t)
	book := env.createBook(t, "u1", "Le Grimoire")

	put := func(token, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPut, "/books/"+book.ID, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		return env.do(t, req)
	}

	if rec := put(env.token(t, "u2"), `{"title":"hijacked"}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("non-owner status: %d", rec.Code)
	}
	if rec := put(env.token(t, "u1"), `{"title":"Second Edition"}`); rec.Code != http.StatusOK {
		t.Fatalf("owner modify status: %d", rec.Code)
	}

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/books/"+book.ID, nil))
	var got domain.Book
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Title != "Second Edition" || got.Author != "A. Writer" {
		t.Fatalf("merge result: %+v", got)
	}
}

func TestModifyBookWithNewCover(t *testing.T) {
	env := newServerEnv(t)
	book := env.createBook(t, "u1", "Le Grimoire")

	body, contentType := multipartBody(t, `{"title":"New Cover Edition"}`, coverBytes(t))
	req := httptest.NewRequest(http.MethodPut, "/books/"+book.ID, body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+env.token(t, "u1"))
	if rec := env.do(t, req); rec.Code != http.StatusOK {
		t.Fatalf("modify status: %d body %s", rec.Code, rec.Body.String())
	}

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/books/"+book.ID, nil))
	var got domain.Book
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ImageURL == book.ImageURL {
		t.Fatalf("image url not swapped: %q", got.ImageURL)
	}
	if got.Title != "New Cover Edition" || got.OwnerID != "u1" {
		t.Fatalf("replace result: %+v", got)
	}
}

func TestDeleteBook(t *testing.T) {
	env := newServerEnv(t)
	book := env.createBook(t, "u1", "Le Grimoire")

	req := httptest.NewRequest(http.MethodDelete, "/books/"+book.ID, nil)
	req.Header.Set("Authorization", "Bearer "+env.token(t, "u2"))
	if rec := env.do(t, req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("non-owner delete status: %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/books/"+book.ID, nil)
	req.Header.Set("Authorization", "Bearer "+env.token(t, "u1"))
	if rec := env.do(t, req); rec.Code != http.StatusOK {
		t.Fatalf("delete status: %d", rec.Code)
	}

	if rec := env.do(t, httptest.NewRequest(http.MethodGet, "/books/"+book.ID, nil)); rec.Code != http.StatusNotFound {
		t.Fatalf("after delete status: %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newServerEnv(t)
	rec := env.do(t, httptest.NewRequest(http.MethodPatch, "/books", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status: %d", rec.Code)
	}
	rec = env.do(t, httptest.NewRequest(http.MethodPost, "/books/bestrating", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("bestrating post status: %d", rec.Code)
	}
}
