package config

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/yukia3e/trading-agent-signer/internal/domain/model"
	"github.com/yukia3e/trading-agent-signer/internal/util"
)

const packageName = "config"

const (
	SignerTypeEnvPrivateKey = "env_private_key"
	SignerTypeKeystore      = "keystore"
	SignerTypeRemote        = "remote"
	SignerTypeMPC           = "cb_mpc_2pc"

	AuditStorageMemory   = "memory"
	AuditStorageBadger   = "badger"
	AuditStoragePostgres = "postgres"

	IdempotencyBackendMemory = "memory"
	IdempotencyBackendRedis  = "redis"

	DefaultHTTPTimeout      = 10 * time.Second
	DefaultProposalTTL      = 120 * time.Second
	DefaultDEXSlippagePct   = 1.0
	DefaultAuditDBPath      = "data/audit"
	DefaultRedisAddr        = "localhost:6379"
	defaultSignerType       = SignerTypeEnvPrivateKey
	defaultAuditStorage     = AuditStorageMemory
	defaultIdempotencyStore = IdempotencyBackendMemory
)

// DefaultIdempotencyLockLease must outlive the slowest sign, broadcast and record sequence.
const DefaultIdempotencyLockLease = 2 * time.Minute

var env = newViper()

func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("APP_ENV", "local")
	v.SetDefault("SIGNER_TYPE", defaultSignerType)
	v.SetDefault("EXECUTION_MODE", string(model.ExecutionModeDEX))
	v.SetDefault("EXECUTION_APPROVAL_MODE", string(model.ApprovalModeAuto))
	v.SetDefault("AUDIT_STORAGE", defaultAuditStorage)
	v.SetDefault("AUDIT_DB_PATH", DefaultAuditDBPath)
	v.SetDefault("IDEMPOTENCY_BACKEND", defaultIdempotencyStore)
	v.SetDefault("REDIS_ADDR", DefaultRedisAddr)
	return v
}

func GetEnvironment() string {
	return env.GetString("APP_ENV")
}

func IsLocal() bool {
	return GetEnvironment() == "local"
}

func IsDevelopment() bool {
	return GetEnvironment() == "local" || GetEnvironment() == "development"
}

func IsStaging() bool {
	return GetEnvironment() == "staging"
}

func IsProduction() bool {
	return GetEnvironment() == "production"
}

func GetSignerType() string {
	return strings.ToLower(strings.TrimSpace(env.GetString("SIGNER_TYPE")))
}

func GetPrivateKey() string {
	return strings.TrimSpace(env.GetString("PRIVATE_KEY"))
}

func GetKeystorePath() string {
	return env.GetString("KEYSTORE_PATH")
}

func GetKeystorePassword() string {
	return env.GetString("KEYSTORE_PASSWORD")
}

func GetKeystorePasswordKMSCiphertext() string {
	return strings.TrimSpace(env.GetString("KEYSTORE_PASSWORD_KMS_CIPHERTEXT"))
}

func MustGetKMSKeyName() string {
	keyName := env.GetString("KMS_KEY_NAME")
	if keyName == "" {
		panic("KMS_KEY_NAME is not set")
	}

	return keyName
}

func GetCredentialFilePath() string {
	return env.GetString("GCP_CREDENTIAL_FILE_PATH")
}

func GetSignerRemoteURL() string {
	return strings.TrimRight(strings.TrimSpace(env.GetString("SIGNER_REMOTE_URL")), "/")
}

func GetMPCSignerURL() string {
	return strings.TrimRight(strings.TrimSpace(env.GetString("MPC_SIGNER_URL")), "/")
}

func GetHTTPTimeout() time.Duration {
	return getSeconds("HTTP_TIMEOUT_SEC", DefaultHTTPTimeout)
}

func GetExecutionMode() model.ExecutionMode {
	funcName := util.FuncName()

	mode := model.ParseExecutionMode(env.GetString("EXECUTION_MODE"))
	switch mode {
	case model.ExecutionModeDEX, model.ExecutionModeCEX, model.ExecutionModeHybrid, model.ExecutionModeAuto:
		return mode
	default:
		log.Error().Msg(util.WrapLogMessage(packageName, funcName, fmt.Sprintf("unknown EXECUTION_MODE %q, falling back to dex", mode)))
		return model.ExecutionModeDEX
	}
}

func GetApprovalMode() model.ApprovalMode {
	if strings.EqualFold(strings.TrimSpace(env.GetString("EXECUTION_APPROVAL_MODE")), string(model.ApprovalModeApproveEach)) {
		return model.ApprovalModeApproveEach
	}
	return model.ApprovalModeAuto
}

func GetProposalTTL() time.Duration {
	return getSeconds("EXECUTION_PROPOSAL_TTL_SEC", DefaultProposalTTL)
}

func IsLiveTradingEnabled() bool {
	return ParseBool(env.GetString("LIVE_TRADING_ENABLED"))
}

func IsTradingHalted() bool {
	return ParseBool(env.GetString("TRADING_HALTED"))
}

func GetAuditStorage() string {
	return strings.ToLower(strings.TrimSpace(env.GetString("AUDIT_STORAGE")))
}

func GetAuditDBPath() string {
	return env.GetString("AUDIT_DB_PATH")
}

func MustGetAuditPostgresDSN() string {
	dsn := env.GetString("AUDIT_POSTGRES_DSN")
	if dsn == "" {
		panic("AUDIT_POSTGRES_DSN is not set")
	}

	return dsn
}

func GetIdempotencyBackend() string {
	return strings.ToLower(strings.TrimSpace(env.GetString("IDEMPOTENCY_BACKEND")))
}

func GetRedisAddr() string {
	return env.GetString("REDIS_ADDR")
}

// GetIdempotencyTTL returns zero when records should live as long as the process.
func GetIdempotencyTTL() time.Duration {
	return getSeconds("IDEMPOTENCY_TTL_SEC", 0)
}

// GetIdempotencyLockLease is how long a cross-process idempotency lock is held
// before it expires on its own. It is independent of the record TTL.
func GetIdempotencyLockLease() time.Duration {
	return getSeconds("IDEMPOTENCY_LOCK_LEASE_SEC", DefaultIdempotencyLockLease)
}

// GetRPCURL resolves EVM_RPC_URL_<CHAIN>, then RPC_URL_<CHAIN>.
func GetRPCURL(chain string) string {
	key := strings.ToUpper(strings.TrimSpace(chain))
	if v := strings.TrimSpace(env.GetString("EVM_RPC_URL_" + key)); v != "" {
		return v
	}
	return strings.TrimSpace(env.GetString("RPC_URL_" + key))
}

func GetDEXSlippagePct() float64 {
	funcName := util.FuncName()

	raw := strings.TrimSpace(env.GetString("DEX_SLIPPAGE_PCT"))
	if raw == "" {
		return DefaultDEXSlippagePct
	}
	pct, err := strconv.ParseFloat(raw, 64)
	if err != nil || pct < 0 {
		log.Error().Msg(util.WrapLogMessage(packageName, funcName, fmt.Sprintf("failed to parse DEX_SLIPPAGE_PCT: %q", raw)))
		return DefaultDEXSlippagePct
	}
	return pct
}

func IsSignerPolicyEnabled() bool {
	return ParseBool(env.GetString("SIGNER_POLICY_ENABLED"))
}

// GetSignerPolicy reads the SIGNER_* policy keys. Unparseable entries are skipped.
func GetSignerPolicy() model.SignerPolicyConfig {
	cfg := model.SignerPolicyConfig{
		AllowedChainIDs:          ParseChainIDs(env.GetString("SIGNER_ALLOWED_CHAIN_IDS")),
		AllowedToAddresses:       ParseAddresses(env.GetString("SIGNER_ALLOWED_TO_ADDRESSES")),
		MaxValueWei:              getBigInt("SIGNER_MAX_VALUE_WEI"),
		MaxGasPriceWei:           getBigInt("SIGNER_MAX_GAS_PRICE_WEI"),
		DisallowContractCreation: ParseBool(env.GetString("SIGNER_DISALLOW_CONTRACT_CREATION")),
	}
	if v := getBigInt("SIGNER_MAX_GAS"); v != nil && v.IsUint64() {
		cfg.MaxGas = util.Pointer(v.Uint64())
	}
	if v := getBigInt("SIGNER_MAX_DATA_BYTES"); v != nil && v.IsUint64() {
		cfg.MaxDataBytes = util.Pointer(v.Uint64())
	}
	return cfg
}

// ParseBool accepts 1/true/yes/y/on, case-insensitively.
func ParseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func ParseChainIDs(raw string) map[int64]struct{} {
	out := map[int64]struct{}{}
	for _, part := range splitCSV(raw) {
		v, ok := parseInteger(part)
		if !ok || !v.IsInt64() {
			continue
		}
		out[v.Int64()] = struct{}{}
	}
	return out
}

func ParseAddresses(raw string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, part := range splitCSV(raw) {
		out[strings.ToLower(part)] = struct{}{}
	}
	return out
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseInteger(raw string) (*big.Int, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return nil, false
	}
	base := 10
	if strings.HasPrefix(s, "0x") {
		s, base = s[2:], 16
	}
	v, ok := new(big.Int).SetString(s, base)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}

func getBigInt(key string) *big.Int {
	funcName := util.FuncName()

	raw := strings.TrimSpace(env.GetString(key))
	if raw == "" {
		return nil
	}
	v, ok := parseInteger(raw)
	if !ok {
		log.Error().Msg(util.WrapLogMessage(packageName, funcName, fmt.Sprintf("failed to parse %s", key)))
		return nil
	}
	return v
}

func getSeconds(key string, fallback time.Duration) time.Duration {
	funcName := util.FuncName()

	raw := strings.TrimSpace(env.GetString(key))
	if raw == "" {
		return fallback
	}
	sec, err := strconv.ParseFloat(raw, 64)
	if err != nil || sec < 0 {
		log.Error().Msg(util.WrapLogMessage(packageName, funcName, fmt.Sprintf("failed to parse %s: %q", key, raw)))
		return fallback
	}
	return time.Duration(sec * float64(time.Second))
}
