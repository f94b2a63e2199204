package client

import (
	"context"
	"net/http"

	"github.com/utafrali/orderflow/pkg/httpclient"
)

const paymentService = "payment-service"

// PaymentClient asks the payment service whether a payment reference
// settled an order. The answer is trusted as-is.
type PaymentClient struct {
	doer    httpclient.Doer
	baseURL string
}

// NewPaymentClient creates a payment client rooted at baseURL.
func NewPaymentClient(doer httpclient.Doer, baseURL string) *PaymentClient {
	return &PaymentClient{doer: doer, baseURL: baseURL}
}

type verifyRequest struct {
	OrderID   string `json:"order_id"`
	Reference string `json:"payment_reference"`
}

type verifyResponse struct {
	Verified bool `json:"verified"`
}

// VerifyPayment reports whether reference is a completed payment for orderID.
func (c *PaymentClient) VerifyPayment(ctx context.Context, orderID, reference string) (bool, error) {
	var out envelope[verifyResponse]
	err := httpclient.DoJSON(ctx, c.doer, http.MethodPost, joinURL(c.baseURL, "api/v1/payments/verify"),
		verifyRequest{OrderID: orderID, Reference: reference}, &out, paymentService)
	if err != nil {
		return false, unavailable(paymentService, err)
	}
	return out.Data.Verified, nil
}
