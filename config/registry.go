package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// VaultEntry authorizes one satellite vault (origin site, sender address).
type VaultEntry struct {
	Site    uint64 `yaml:"site"`
	Address string `yaml:"address"`
}

// AssetEntry registers a collateral asset and its token decimals.
type AssetEntry struct {
	Symbol   string `yaml:"symbol"`
	Decimals uint8  `yaml:"decimals"`
}

// Registry is the deployment-provisioned list of authorized vaults and
// collateral assets, kept in YAML next to the main config.
type Registry struct {
	Vaults []VaultEntry `yaml:"vaults"`
	Assets []AssetEntry `yaml:"assets"`
}

// LoadRegistry reads and validates the vault registry at path.
func LoadRegistry(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	reg := &Registry{}
	if err := yaml.Unmarshal(raw, reg); err != nil {
		return nil, fmt.Errorf("config: parse registry %s: %w", path, err)
	}
	for i, vault := range reg.Vaults {
		if vault.Site == 0 {
			return nil, fmt.Errorf("config: registry vault %d: site must be non-zero", i)
		}
		if strings.TrimSpace(vault.Address) == "" {
			return nil, fmt.Errorf("config: registry vault %d: address required", i)
		}
	}
	for i, asset := range reg.Assets {
		if strings.TrimSpace(asset.Symbol) == "" {
			return nil, fmt.Errorf("config: registry asset %d: symbol required", i)
		}
	}
	return reg, nil
}
