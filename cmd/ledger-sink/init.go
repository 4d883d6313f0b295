package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const sampleConfig = `version: 1

sink:
  driver: sqlite            # sqlite or postgres
  dsn: ledger-sink.db       # postgres: ${SINK_DSN}
  max_retries: 5
  retry_interval: 200ms
  max_conns: 8

queue:
  size: 5000
  throttle_base: 100ms
  throttle_step: 100ms
  throttle_max: 2s
  poll: 250ms

reconcile:
  poll_interval: 10ms

start_block: 0
system_account: eosio

filters:
  actions: []               # empty persists every action
  deny_accounts: []

tokens:
  contracts: [eosio.token]  # projected into balances

source:
  type: nats
  url: nats://localhost:4222
  encoding: json
  subjects:
    blocks: ledger.blocks.accepted
    irreversible: ledger.blocks.irreversible
    transactions: ledger.transactions.accepted
    traces: ledger.transactions.applied

notify:
  webhook_url: ""
  per_minute: 6

log:
  level: info
  format: text

tracing:
  endpoint: ""
  sample: 100
`

var flagForce bool

func init() {
	initCmd.Flags().BoolVar(&flagForce, "force", false, "Overwrite an existing config file")
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(cfgPath); err == nil && !flagForce {
			return fmt.Errorf("init: %s exists (use --force to overwrite)", cfgPath)
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("init: %w", err)
		}
		if err := os.WriteFile(cfgPath, []byte(sampleConfig), 0o644); err != nil {
			return fmt.Errorf("init: write config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "init: wrote %s\n", cfgPath)
		return nil
	},
}
