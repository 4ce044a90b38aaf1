package calendar

import (
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/oauth2"
)

// loadToken reads an oauth2.Token stored as JSON, the format written by
// the Google quickstart flow.
func loadToken(path string) (*oauth2.Token, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}
	tok := &oauth2.Token{}
	if err := json.Unmarshal(raw, tok); err != nil {
		return nil, fmt.Errorf("parse token %s: %w", path, err)
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, fmt.Errorf("token %s has neither access nor refresh token", path)
	}
	return tok, nil
}
