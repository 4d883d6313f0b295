package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
version: 1
sink:
  driver: postgres
  dsn: ${SINK_DSN}
  retry_interval: 50ms
queue:
  size: 100
  throttle_max: 1s
source:
  type: nats
  url: ${NATS_URL}
  encoding: msgpack
filters:
  actions: [transfer, issue]
  deny_accounts: [spam]
tokens:
  contracts: [eosio.token, my.token]
`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644), "write config")
	return path
}

func TestLoadInterpolatesEnvAndValidates(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir(), sampleYAML)

	t.Setenv("SINK_DSN", "postgres://sink@localhost/ledger")
	t.Setenv("NATS_URL", "nats://localhost:4222")

	cfg, err := Load(cfgPath)
	require.NoError(t, err)

	assert.Equal(t, "postgres://sink@localhost/ledger", cfg.Sink.DSN, "dsn interpolated")
	assert.Equal(t, 50*time.Millisecond, cfg.Sink.RetryInterval.Std())
	assert.Equal(t, 100, cfg.Queue.Size)
	assert.Equal(t, time.Second, cfg.Queue.ThrottleMax.Std())
	assert.Equal(t, []string{"transfer", "issue"}, cfg.Filters.Actions)
	assert.Equal(t, []string{"spam"}, cfg.Filters.DenyAccounts)
	assert.Equal(t, []string{"eosio.token", "my.token"}, cfg.Tokens.Contracts)
}

func TestLoadFailsOnMissingEnv(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir(), sampleYAML)

	_, err := Load(cfgPath)
	require.ErrorContains(t, err, "missing environment variables")
}

func TestLoadReadsDotEnv(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := writeConfig(t, tmp, "version: 1\nsource:\n  url: ${DOTENV_NATS_URL}\n")
	require.NoError(t, os.WriteFile(filepath.Join(tmp, ".env"), []byte("DOTENV_NATS_URL=nats://dotenv:4222\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("DOTENV_NATS_URL") })

	cfg, err := Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "nats://dotenv:4222", cfg.Source.URL)
}

func TestDefaults(t *testing.T) {
	cfg, err := Parse([]byte("version: 1\nsource:\n  url: nats://localhost:4222\n"))
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Sink.Driver)
	assert.Equal(t, "ledger-sink.db", cfg.Sink.DSN)
	assert.Equal(t, 5000, cfg.Queue.Size)
	assert.Equal(t, 10*time.Millisecond, cfg.Reconcile.PollInterval.Std())
	assert.Equal(t, "eosio", cfg.SystemAccount)
	assert.Equal(t, []string{"eosio.token"}, cfg.Tokens.Contracts)
	assert.Equal(t, "ledger.transactions.applied", cfg.Source.Subjects.Traces)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"no version":        "source:\n  url: nats://x\n",
		"bad driver":        "version: 1\nsink:\n  driver: mysql\nsource:\n  url: nats://x\n",
		"postgres no dsn":   "version: 1\nsink:\n  driver: postgres\nsource:\n  url: nats://x\n",
		"nats no url":       "version: 1\n",
		"file no path":      "version: 1\nsource:\n  type: file\n",
		"bad encoding":      "version: 1\nsource:\n  url: nats://x\n  encoding: xml\n",
		"bad duration":      "version: 1\nqueue:\n  poll: soon\nsource:\n  url: nats://x\n",
		"throttle ordering": "version: 1\nqueue:\n  throttle_base: 3s\n  throttle_max: 1s\nsource:\n  url: nats://x\n",
		"sample range":      "version: 1\ntracing:\n  sample: 150\nsource:\n  url: nats://x\n",
		"empty token":       "version: 1\ntokens:\n  contracts: [\"\"]\nsource:\n  url: nats://x\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			assert.Error(t, err)
		})
	}
}
