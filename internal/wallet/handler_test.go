package wallet

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

func newTestApp(t *testing.T) *fiber.App {
	t.Helper()
	svc, _, _ := newTestService(t)
	h := NewHandler(svc)
	app := fiber.New()
	app.Post("/wallets", h.Create)
	app.Get("/wallets", h.ListByOwner)
	app.Get("/wallets/:walletId", h.Get)
	return app
}

func TestHandlerCreateAndGet(t *testing.T) {
	app := newTestApp(t)

	body := `{"owner_id":"` + uuid.NewString() + `"}`
	req := httptest.NewRequest(http.MethodPost, "/wallets", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	raw, _ := io.ReadAll(resp.Body)
	if strings.Contains(string(raw), "encrypted_key") || strings.Contains(string(raw), "EncryptedKey") {
		t.Fatalf("response leaks key material: %s", raw)
	}
	var created walletResponse
	if err := json.Unmarshal(raw, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/wallets/"+created.ID, nil))
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var fetched walletResponse
	if err := json.NewDecoder(resp.Body).Decode(&fetched); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fetched.Address != created.Address {
		t.Fatalf("expected address %s, got %s", created.Address, fetched.Address)
	}
}

func TestHandlerErrors(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/wallets", strings.NewReader(`{"owner_id":"bad"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/wallets/"+uuid.NewString(), nil))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
