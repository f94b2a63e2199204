package domain

// Address is the delivery address copied onto an order. It is a snapshot:
// later edits in the address book do not affect placed orders.
type Address struct {
	ID          string `json:"id"`
	FullName    string `json:"full_name"`
	Phone       string `json:"phone,omitempty"`
	AddressLine string `json:"address_line"`
	City        string `json:"city"`
	State       string `json:"state,omitempty"`
	PostalCode  string `json:"postal_code"`
	Country     string `json:"country"`
}
