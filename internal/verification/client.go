// Package verification scores purchase proofs through the OCR service and checks their shape.
package verification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/inaiurai/settlement/internal/models"
)

// Poster is the transport the OCR client uses; *remote.Client satisfies it.
type Poster interface {
	PostJSON(ctx context.Context, path string, body, out any) error
}

type Client struct {
	remote Poster
}

func NewClient(remote Poster) *Client {
	return &Client{remote: remote}
}

type verifyRequest struct {
	EnrollmentID uuid.UUID       `json:"enrollment_id"`
	OrderID      string          `json:"order_id"`
	OrderValue   decimal.Decimal `json:"order_value"`
	Document     json.RawMessage `json:"document"`
}

type verifyResponse struct {
	Confidence      float64           `json:"confidence"`
	ExtractedFields map[string]string `json:"extracted_fields"`
}

// Verify returns the OCR confidence and extracted fields for a proof document.
func (c *Client) Verify(ctx context.Context, e *models.Enrollment, document json.RawMessage) (*models.VerificationResult, error) {
	var resp verifyResponse
	err := c.remote.PostJSON(ctx, "/v1/verify", verifyRequest{
		EnrollmentID: e.ID,
		OrderID:      e.OrderID,
		OrderValue:   e.OrderValue,
		Document:     document,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("ocr verify %s: %w", e.ID, err)
	}
	if resp.Confidence < 0 || resp.Confidence > 1 {
		return nil, fmt.Errorf("ocr verify %s: confidence %v out of range", e.ID, resp.Confidence)
	}
	return &models.VerificationResult{Confidence: resp.Confidence, Fields: resp.ExtractedFields}, nil
}
