package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"vaultchain/crypto"

	"github.com/BurntSushi/toml"
)

// Option tunes Load.
type Option func(*loadOptions)

type loadOptions struct {
	passphrase string
}

// WithKeystorePassphrase sets the passphrase used to create or open the
// admin keystore.
func WithKeystorePassphrase(passphrase string) Option {
	return func(o *loadOptions) {
		o.passphrase = passphrase
	}
}

// Load loads the genesis from the given path. A missing file is replaced by
// a default single-asset genesis administered by a freshly generated key.
func Load(path string, opts ...Option) (*Genesis, error) {
	options := loadOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path, options)
	}

	g := &Genesis{}
	meta, err := toml.DecodeFile(path, g)
	if err != nil {
		return nil, err
	}
	for _, undecoded := range meta.Undecoded() {
		return nil, fmt.Errorf("genesis %s: unknown field %s", path, undecoded.String())
	}

	if strings.TrimSpace(g.Admin) == "" {
		if err := ensureKeystore(path, g, options); err != nil {
			return nil, err
		}
	}
	g.normalize()
	if err := Validate(g); err != nil {
		return nil, err
	}
	return g, nil
}

// ensureKeystore fills in the admin address from the configured keystore,
// generating one when it does not exist yet.
func ensureKeystore(path string, g *Genesis, options loadOptions) error {
	keystorePath := g.AdminKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(path)
	}

	var key *crypto.PrivateKey
	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		generated, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, generated, options.passphrase); err != nil {
			return err
		}
		key = generated
	} else if err != nil {
		return err
	} else {
		loaded, err := crypto.LoadFromKeystore(keystorePath, options.passphrase)
		if err != nil {
			return fmt.Errorf("open admin keystore: %w", err)
		}
		key = loaded
	}

	g.Admin = key.PubKey().Address().String()
	g.AdminKeystorePath = keystorePath
	return persist(path, g)
}

// createDefault creates and saves a default genesis file.
func createDefault(path string, options loadOptions) (*Genesis, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, options.passphrase); err != nil {
		return nil, err
	}

	g := Default(key.PubKey().Address().String())
	g.AdminKeystorePath = keystorePath

	if err := persist(path, g); err != nil {
		return nil, err
	}
	g.normalize()
	return g, nil
}

// Default returns a development genesis with one asset behind a mock backend.
func Default(admin string) *Genesis {
	return &Genesis{
		Admin:            admin,
		BlockTimeSeconds: 5,
		Router: RouterGenesis{
			FeeBps: 5,
			Rates:  []RateGenesis{},
		},
		Assets: []AssetGenesis{
			{
				Symbol:        "fiUSDC",
				Asset:         "USDC",
				Decimals:      6,
				BufferReserve: "1000000000",
				MintFeeBps:    25,
				RedeemFeeBps:  0,
				ServiceFeeBps: 1000,
				Active:        "usdc-mock",
				Backends: []BackendGenesis{
					{ID: "usdc-mock", Kind: BackendMock},
				},
				Migrations: []MigrationGenesis{},
				Whitelist:  []string{},
			},
		},
		Balances: []BalanceGenesis{},
	}
}

func persist(path string, g *Genesis) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(g)
}

func defaultKeystorePath(genesisPath string) string {
	dir := filepath.Dir(genesisPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "admin.keystore")
}
