package upstream

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Account holds one upstream provider credential. The directory is loaded once
// at startup and never mutated afterwards; lease state lives in the relay pool.
type Account struct {
	ID       string `json:"id"`
	Server   string `json:"server"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoadAccounts reads the static account directory from a JSON file. Entries
// without an explicit ID fall back to the username, and duplicate IDs are
// rejected so the lease table stays unambiguous.
func LoadAccounts(path string) ([]Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	var accounts []Account
	if err := json.Unmarshal(data, &accounts); err != nil {
		return nil, fmt.Errorf("parse accounts file: %w", err)
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("accounts file %s contains no entries", path)
	}
	seen := make(map[string]struct{}, len(accounts))
	for i := range accounts {
		accounts[i].ID = strings.TrimSpace(accounts[i].ID)
		if accounts[i].ID == "" {
			accounts[i].ID = strings.TrimSpace(accounts[i].Username)
		}
		if accounts[i].ID == "" {
			return nil, fmt.Errorf("account %d has neither id nor username", i)
		}
		if strings.TrimSpace(accounts[i].Server) == "" {
			return nil, fmt.Errorf("account %s is missing a server", accounts[i].ID)
		}
		if _, exists := seen[accounts[i].ID]; exists {
			return nil, fmt.Errorf("duplicate account id %s", accounts[i].ID)
		}
		seen[accounts[i].ID] = struct{}{}
	}
	return accounts, nil
}
