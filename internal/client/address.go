package client

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/utafrali/orderflow/internal/domain"
	apperrors "github.com/utafrali/orderflow/pkg/errors"
	"github.com/utafrali/orderflow/pkg/httpclient"
)

const addressService = "address-service"

// AddressClient reads delivery addresses from the user service.
type AddressClient struct {
	doer    httpclient.Doer
	baseURL string
}

// NewAddressClient creates an address client rooted at baseURL.
func NewAddressClient(doer httpclient.Doer, baseURL string) *AddressClient {
	return &AddressClient{doer: doer, baseURL: baseURL}
}

type addressResponse struct {
	domain.Address
	UserID string `json:"user_id"`
}

// GetAddress returns the address if it exists and belongs to userID.
// Anything else is AddressNotFound.
func (c *AddressClient) GetAddress(ctx context.Context, userID, addressID string) (*domain.Address, error) {
	u := joinURL(c.baseURL, "api/v1/users", url.PathEscape(userID), "addresses", url.PathEscape(addressID))

	var out envelope[addressResponse]
	err := httpclient.DoJSON(ctx, c.doer, http.MethodGet, u, nil, &out, addressService)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) || errors.Is(err, apperrors.ErrForbidden) {
			return nil, domain.AddressNotFound(addressID)
		}
		return nil, unavailable(addressService, err)
	}

	if out.Data.UserID != "" && out.Data.UserID != userID {
		return nil, domain.AddressNotFound(addressID)
	}
	addr := out.Data.Address
	if addr.ID == "" {
		addr.ID = addressID
	}
	return &addr, nil
}
