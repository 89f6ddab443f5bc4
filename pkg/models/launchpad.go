package models

// LaunchpadToken is one normalized item from the upstream launchpad
// feed. Optional market fields are pointers so absent upstream values
// stay absent in JSON.
type LaunchpadToken struct {
	Address           string   `json:"address"`
	Name              string   `json:"name"`
	Symbol            string   `json:"symbol"`
	Network           string   `json:"network"`
	Protocol          string   `json:"protocol"`
	NetworkID         int64    `json:"networkId"`
	CreatedAt         string   `json:"createdAt"`
	PriceUSD          *float64 `json:"priceUsd,omitempty"`
	MarketCap         *float64 `json:"marketCap,omitempty"`
	Volume24          *float64 `json:"volume24,omitempty"`
	Holders           *int64   `json:"holders,omitempty"`
	ImageURL          *string  `json:"imageUrl,omitempty"`
	GraduationPercent *float64 `json:"graduationPercent,omitempty"`
	LaunchpadProtocol *string  `json:"launchpadProtocol,omitempty"`
	Timestamp         int64    `json:"timestamp"`
}
