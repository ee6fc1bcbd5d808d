package verification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/inaiurai/settlement/internal/models"
)

func TestValidateProof(t *testing.T) {
	v, err := NewProofValidator("")
	if err != nil {
		t.Fatalf("NewProofValidator: %v", err)
	}

	if err := v.ValidateProof(json.RawMessage(`{"order_id":"ORD-1","screenshots":["s3://proofs/1.png"],"order_total":10000}`)); err != nil {
		t.Fatalf("expected valid proof, got: %v", err)
	}

	cases := []struct {
		name string
		doc  string
	}{
		{"empty", ``},
		{"not json", `{order`},
		{"missing screenshots", `{"order_id":"ORD-1"}`},
		{"no screenshots", `{"order_id":"ORD-1","screenshots":[]}`},
		{"unknown field", `{"order_id":"ORD-1","screenshots":["a"],"extra":true}`},
		{"non-positive total", `{"order_id":"ORD-1","screenshots":["a"],"order_total":0}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := v.ValidateProof(json.RawMessage(tc.doc)); !errors.Is(err, models.ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

type fakePoster struct {
	path string
	body any
	resp string
	err  error
}

func (f *fakePoster) PostJSON(_ context.Context, path string, body, out any) error {
	f.path, f.body = path, body
	if f.err != nil {
		return f.err
	}
	return json.Unmarshal([]byte(f.resp), out)
}

func TestVerify(t *testing.T) {
	p := &fakePoster{resp: `{"confidence":0.87,"extracted_fields":{"order_id":"ORD-1","total":"10000"}}`}
	c := NewClient(p)
	e := &models.Enrollment{ID: uuid.New(), OrderID: "ORD-1", OrderValue: decimal.NewFromInt(10000)}

	res, err := c.Verify(context.Background(), e, json.RawMessage(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.Confidence != 0.87 || res.Fields["total"] != "10000" {
		t.Fatalf("unexpected result %+v", res)
	}
	if p.path != "/v1/verify" {
		t.Fatalf("path = %s", p.path)
	}
}

func TestVerifyPropagatesTimeout(t *testing.T) {
	c := NewClient(&fakePoster{err: fmt.Errorf("%w: slow", models.ErrTimeout)})
	_, err := c.Verify(context.Background(), &models.Enrollment{ID: uuid.New()}, json.RawMessage(`{}`))
	if !errors.Is(err, models.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestVerifyRejectsOutOfRangeConfidence(t *testing.T) {
	c := NewClient(&fakePoster{resp: `{"confidence":1.5}`})
	if _, err := c.Verify(context.Background(), &models.Enrollment{ID: uuid.New()}, json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error for confidence above 1")
	}
}
