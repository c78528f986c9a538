package hive

import (
	"encoding/json"
	"fmt"
)

// KeyAuth is one ["STM...", weight] pair from an authority.
type KeyAuth struct {
	Key    string
	Weight uint32
}

// UnmarshalJSON decodes the wire pair-array form.
func (k *KeyAuth) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("key auth pair has %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[0], &k.Key); err != nil {
		return fmt.Errorf("key auth key: %w", err)
	}
	if err := json.Unmarshal(pair[1], &k.Weight); err != nil {
		return fmt.Errorf("key auth weight: %w", err)
	}
	return nil
}

// AccountAuth is one ["name", weight] pair from an authority.
type AccountAuth struct {
	Account string
	Weight  uint32
}

// UnmarshalJSON decodes the wire pair-array form.
func (a *AccountAuth) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("account auth pair has %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[0], &a.Account); err != nil {
		return fmt.Errorf("account auth name: %w", err)
	}
	if err := json.Unmarshal(pair[1], &a.Weight); err != nil {
		return fmt.Errorf("account auth weight: %w", err)
	}
	return nil
}

// Authority is a weighted threshold over keys and delegate accounts.
type Authority struct {
	WeightThreshold uint32        `json:"weight_threshold"`
	AccountAuths    []AccountAuth `json:"account_auths"`
	KeyAuths        []KeyAuth     `json:"key_auths"`
}

// Account is the subset of the chain account record the service reads.
type Account struct {
	Name    string    `json:"name"`
	Owner   Authority `json:"owner"`
	Active  Authority `json:"active"`
	Posting Authority `json:"posting"`
}

// ProfileMetadata is the parsed posting_json_metadata profile block.
type ProfileMetadata struct {
	ProfileImage string `json:"profile_image"`
	CoverImage   string `json:"cover_image"`
}

// Profile is the bridge profile record: normalized reputation plus the
// image URLs used by the avatar and cover endpoints.
type Profile struct {
	Name       string  `json:"name"`
	Reputation float64 `json:"reputation"`
	Metadata   struct {
		Profile ProfileMetadata `json:"profile"`
	} `json:"metadata"`
}
