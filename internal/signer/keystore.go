package signer

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/accounts/keystore"

	"github.com/yukia3e/trading-agent-signer/internal/domain/repository"
	"github.com/yukia3e/trading-agent-signer/internal/errs"
	"github.com/yukia3e/trading-agent-signer/internal/util"
)

// KeystoreConfig locates an encrypted keystore JSON file and its passphrase.
// When PassphraseCiphertext is set it is unwrapped with Decrypter and Passphrase
// is ignored.
type KeystoreConfig struct {
	Path                 string
	Passphrase           string
	PassphraseCiphertext string
	Decrypter            repository.SecretDecrypter
}

// NewKeystore decrypts the keystore once and keeps the key in memory.
func NewKeystore(ctx context.Context, cfg KeystoreConfig) (Signer, error) {
	funcName := util.FuncName()

	if cfg.Path == "" {
		return nil, util.WrapErrorForLog(packageName, funcName, errs.Configuration("missing_keystore_path", "KEYSTORE_PATH environment variable not set"))
	}
	passphrase, err := keystorePassphrase(ctx, cfg)
	if err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName, err)
	}

	keyJSON, err := os.ReadFile(cfg.Path)
	if err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName, errs.Wrap(errs.KindConfiguration, "keystore_not_found", fmt.Sprintf("keystore file not readable: %s", cfg.Path), err))
	}
	key, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName, errs.Wrap(errs.KindConfiguration, "keystore_decrypt_failed", "failed to decrypt keystore", err))
	}

	return newLocalSigner(KindKeystore, key.PrivateKey), nil
}

func keystorePassphrase(ctx context.Context, cfg KeystoreConfig) (string, error) {
	if cfg.PassphraseCiphertext == "" {
		if cfg.Passphrase == "" {
			return "", errs.Configuration("missing_keystore_password", "KEYSTORE_PASSWORD environment variable not set")
		}
		return cfg.Passphrase, nil
	}

	if cfg.Decrypter == nil {
		return "", errs.Configuration("missing_kms_decrypter", "KEYSTORE_PASSWORD_KMS_CIPHERTEXT requires KMS_KEY_NAME")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(cfg.PassphraseCiphertext)
	if err != nil {
		return "", errs.Wrap(errs.KindConfiguration, "invalid_keystore_password_ciphertext", "KEYSTORE_PASSWORD_KMS_CIPHERTEXT is not valid base64", err)
	}
	plaintext, err := cfg.Decrypter.Decrypt(ctx, ciphertext)
	if err != nil {
		return "", errs.Wrap(errs.KindConfiguration, "keystore_password_unwrap_failed", "failed to unwrap keystore passphrase", err)
	}
	if len(plaintext) == 0 {
		return "", errs.Configuration("missing_keystore_password", "unwrapped keystore passphrase is empty")
	}
	return string(plaintext), nil
}
