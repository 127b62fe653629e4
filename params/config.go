package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type API struct {
	Listen string
	// CORSOrigins are the browser origins allowed to call the relay.
	CORSOrigins []string
	// MaxBodyBytes caps the size of a staging request body.
	MaxBodyBytes int64
}

type Oracle struct {
	// Endpoints maps chain id -> JSON-RPC URL. A chain id without an entry
	// is rejected as unsupported.
	Endpoints map[uint64]string
	// Timeout bounds every oracle call; on expiry the submission fails as
	// transient without touching staged state.
	Timeout time.Duration
}

type Staging struct {
	// MaxStaged is the per-safe cap on simultaneously staged transactions.
	MaxStaged int
	// MaxSignatures is the per-transaction cap on collected signatures.
	MaxSignatures int
}

type Config struct {
	API     API
	Oracle  Oracle
	Staging Staging
	LogFile string
}

func Default() Config {
	return Config{
		API: API{
			Listen:       ":8080",
			CORSOrigins:  []string{"http://localhost:3000"},
			MaxBodyBytes: 1 << 20,
		},
		Oracle: Oracle{
			Endpoints: map[uint64]string{},
			Timeout:   10 * time.Second,
		},
		Staging: Staging{
			MaxStaged:     100,
			MaxSignatures: 100,
		},
		LogFile: "data/relayd.log",
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	if listen := os.Getenv("API_ADDR"); listen != "" {
		cfg.API.Listen = listen
	}

	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.API.CORSOrigins = strings.Split(origins, ",")
	}

	if maxBody := os.Getenv("API_MAX_BODY_BYTES"); maxBody != "" {
		if n, err := strconv.ParseInt(maxBody, 10, 64); err == nil && n > 0 {
			cfg.API.MaxBodyBytes = n
		}
	}

	// RPC_ENDPOINTS format: "1=https://rpc.example;100=https://rpc.gnosischain.com"
	if eps := os.Getenv("RPC_ENDPOINTS"); eps != "" {
		cfg.Oracle.Endpoints = ParseEndpoints(eps)
	}

	if timeout := os.Getenv("ORACLE_TIMEOUT_MS"); timeout != "" {
		if ms, err := strconv.Atoi(timeout); err == nil && ms > 0 {
			cfg.Oracle.Timeout = time.Duration(ms) * time.Millisecond
		}
	}

	if maxStaged := os.Getenv("STAGING_MAX_PER_SAFE"); maxStaged != "" {
		if n, err := strconv.Atoi(maxStaged); err == nil && n > 0 {
			cfg.Staging.MaxStaged = n
		}
	}

	if maxSigs := os.Getenv("STAGING_MAX_SIGNATURES"); maxSigs != "" {
		if n, err := strconv.Atoi(maxSigs); err == nil && n > 0 {
			cfg.Staging.MaxSignatures = n
		}
	}

	if logFile := os.Getenv("LOG_FILE"); logFile != "" {
		cfg.LogFile = logFile
	}

	return cfg
}

// ParseEndpoints parses a "chainId=url" list separated by ';' or ','.
// Malformed entries are skipped rather than failing startup.
func ParseEndpoints(raw string) map[uint64]string {
	out := make(map[uint64]string)
	for _, entry := range strings.FieldsFunc(raw, func(r rune) bool { return r == ';' || r == ',' }) {
		parts := strings.SplitN(strings.TrimSpace(entry), "=", 2)
		if len(parts) != 2 {
			continue
		}
		id, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil || id == 0 || parts[1] == "" {
			continue
		}
		out[id] = parts[1]
	}
	return out
}
