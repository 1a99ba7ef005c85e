package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// LoadEnv loads a dotenv file into the process environment. A missing file
// is not an error so production deployments can rely on real env vars.
func LoadEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

// AccountCredentials is one exchange account's API key pair, read from
// ACCOUNT<N>_API_KEY / ACCOUNT<N>_SECRET_KEY.
type AccountCredentials struct {
	Name      string
	APIKey    string
	SecretKey string
}

func CredentialsFromEnv(index int) (AccountCredentials, error) {
	keyVar := fmt.Sprintf("ACCOUNT%d_API_KEY", index)
	secretVar := fmt.Sprintf("ACCOUNT%d_SECRET_KEY", index)
	apiKey := strings.TrimSpace(os.Getenv(keyVar))
	secret := strings.TrimSpace(os.Getenv(secretVar))
	if apiKey == "" || secret == "" {
		return AccountCredentials{}, errors.New(keyVar + " and " + secretVar + " are required")
	}
	return AccountCredentials{
		Name:      fmt.Sprintf("account%d", index),
		APIKey:    apiKey,
		SecretKey: secret,
	}, nil
}
