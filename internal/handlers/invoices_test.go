package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/inaiurai/settlement/internal/models"
)

func TestInvoiceResponseCarriesGSTHalves(t *testing.T) {
	inv := &models.Invoice{ID: uuid.New(), GSTAmount: decimal.RequireFromString("271.81")}
	raw, err := json.Marshal(withGSTSplit(inv))
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		ID   uuid.UUID       `json:"id"`
		CGST decimal.Decimal `json:"cgst_amount"`
		SGST decimal.Decimal `json:"sgst_amount"`
	}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != inv.ID {
		t.Fatalf("invoice fields not inlined: %s", raw)
	}
	if !got.CGST.Equal(decimal.RequireFromString("135.91")) || !got.SGST.Equal(decimal.RequireFromString("135.9")) {
		t.Fatalf("halves = %s + %s", got.CGST, got.SGST)
	}
}

func TestQueryTimeFormats(t *testing.T) {
	for _, q := range []string{"2026-03-02", "2026-03-02T00:00:00Z", "2026-03-01T18:30:00-05:30"} {
		r := httptest.NewRequest(http.MethodGet, "/?period_start="+q, nil)
		got, err := queryTime(r, "period_start")
		if err != nil || got == nil || got.Hour() != 0 || got.Day() != 2 {
			t.Errorf("queryTime(%q) = %v, %v", q, got, err)
		}
	}
	if _, err := queryTime(httptest.NewRequest(http.MethodGet, "/?period_start=March", nil), "period_start"); err == nil {
		t.Error("expected a validation error")
	}
}
