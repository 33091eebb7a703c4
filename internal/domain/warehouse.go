package domain

// Location is a point on the globe in decimal degrees.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Warehouse is a physical site that holds stock.
type Warehouse struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Code     string   `json:"code"`
	Location Location `json:"location"`
	Active   bool     `json:"active"`
}

// Destination is where an order ships to. Used only to rank warehouses.
type Destination struct {
	Location
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}
