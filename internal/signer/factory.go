package signer

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/yukia3e/trading-agent-signer/internal/config"
	"github.com/yukia3e/trading-agent-signer/internal/domain/model"
	"github.com/yukia3e/trading-agent-signer/internal/domain/repository"
	"github.com/yukia3e/trading-agent-signer/internal/errs"
	"github.com/yukia3e/trading-agent-signer/internal/util"
)

type Config struct {
	Type          string
	PrivateKey    string
	Keystore      KeystoreConfig
	RemoteURL     string
	MPCURL        string
	HTTPClient    *http.Client
	HTTPTimeout   time.Duration
	PolicyEnabled bool
	Policy        model.SignerPolicyConfig
}

// ConfigFromEnv reads the signer settings. decrypter may be nil when no
// KMS-wrapped keystore passphrase is configured.
func ConfigFromEnv(decrypter repository.SecretDecrypter) Config {
	return Config{
		Type:       config.GetSignerType(),
		PrivateKey: config.GetPrivateKey(),
		Keystore: KeystoreConfig{
			Path:                 config.GetKeystorePath(),
			Passphrase:           config.GetKeystorePassword(),
			PassphraseCiphertext: config.GetKeystorePasswordKMSCiphertext(),
			Decrypter:            decrypter,
		},
		RemoteURL:     config.GetSignerRemoteURL(),
		MPCURL:        config.GetMPCSignerURL(),
		HTTPTimeout:   config.GetHTTPTimeout(),
		PolicyEnabled: config.IsSignerPolicyEnabled(),
		Policy:        config.GetSignerPolicy(),
	}
}

// New builds the signer selected by cfg.Type, wrapped with policy when configured.
func New(ctx context.Context, cfg Config) (Signer, error) {
	funcName := util.FuncName()

	var (
		inner Signer
		err   error
	)
	switch Kind(cfg.Type) {
	case KindEnvPrivateKey, "":
		inner, err = NewLocal(cfg.PrivateKey)
	case KindKeystore:
		inner, err = NewKeystore(ctx, cfg.Keystore)
	case KindRemote:
		inner, err = NewRemote(cfg.HTTPClient, cfg.RemoteURL, cfg.HTTPTimeout)
	case KindMPC:
		inner, err = NewMPC(cfg.HTTPClient, cfg.MPCURL, cfg.HTTPTimeout)
	default:
		err = errs.Configuration("unsupported_signer_type", fmt.Sprintf("Unsupported SIGNER_TYPE: %s", cfg.Type))
	}
	if err != nil {
		return nil, util.WrapErrorForLog(packageName, funcName, err)
	}

	return MaybeWithPolicy(inner, cfg.PolicyEnabled, cfg.Policy), nil
}
