package models

import "encoding/json"

// Items decodes the frozen line list of a checkout session.
func (s *CheckoutSession) Items() ([]SessionItem, error) {
	if len(s.ItemsJSON) == 0 {
		return nil, nil
	}
	var items []SessionItem
	if err := json.Unmarshal(s.ItemsJSON, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// EncodeSessionItems serializes the frozen line list for storage.
func EncodeSessionItems(items []SessionItem) ([]byte, error) {
	return json.Marshal(items)
}
