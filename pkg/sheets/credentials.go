package sheets

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/zalando/go-keyring"

	"schoolscraper/pkg/config"
	errs "schoolscraper/pkg/errors"
)

// KeyringService is the keyring service name credentials are looked up under
const KeyringService = "schoolscraper"

// ResolveCredentials finds the service-account JSON for the spreadsheet
// client. Sources are tried in order: credentials file, environment
// variable, then the OS keyring. Storing credentials is left to the
// operator.
func ResolveCredentials(cfg config.SheetsConfig) ([]byte, error) {
	if cfg.CredentialsFile != "" {
		data, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, errs.Wrap(errs.KindCredential, "read credentials file", err)
		}
		return validate(data, "credentials file")
	}

	if cfg.CredentialsEnv != "" {
		if v := os.Getenv(cfg.CredentialsEnv); v != "" {
			return validate([]byte(v), cfg.CredentialsEnv)
		}
	}

	if cfg.KeyringUser != "" {
		secret, err := keyring.Get(KeyringService, cfg.KeyringUser)
		if err == nil {
			return validate([]byte(secret), "keyring")
		}
		if !errors.Is(err, keyring.ErrNotFound) {
			return nil, errs.Wrap(errs.KindCredential, "keyring lookup", err)
		}
	}

	return nil, errs.New(errs.KindCredential, "resolve credentials", "no spreadsheet credentials found")
}

func validate(data []byte, source string) ([]byte, error) {
	if !json.Valid(data) {
		return nil, errs.New(errs.KindCredential, "resolve credentials", source+" does not contain valid JSON")
	}
	return data, nil
}
