// Package notify renders the string-tagged payloads pushed to clients.
// Field order inside a tag is part of the client protocol.
package notify

import (
	"encoding/json"
	"fmt"
)

const (
	TagBalance       = "balance"
	TagListingReturn = "market_return"

	ReasonExpired = "expired"
)

// Balance announces a player's new coin balance.
func Balance(coins int64) string {
	return fmt.Sprintf("%s|%d", TagBalance, coins)
}

// ListingReturn hands a delisted payload back to its seller.
func ListingReturn(listingID int64, payload any, reason string) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte("{}")
	}
	return fmt.Sprintf("%s|%d|%s|%s", TagListingReturn, listingID, raw, reason)
}
