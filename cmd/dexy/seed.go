package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alecgard/dexy/internal/auth"
	"github.com/alecgard/dexy/internal/catalog"
	"github.com/alecgard/dexy/internal/credential"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var seedPayee string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed demo agents and a test credential",
	RunE:  runSeed,
}

func init() {
	seedCmd.Flags().StringVar(&seedPayee, "payee", "0x000000000000000000000000000000000000dEaD", "payee address for the demo agents")
	rootCmd.AddCommand(seedCmd)
}

func demoAgents(payee string) []catalog.CreateInput {
	return []catalog.CreateInput{
		{
			Name:        "Echo",
			Description: "Returns the request payload. Free to execute.",
			URL:         "https://httpbin.org/anything",
			Address:     payee,
			Price:       decimal.Zero,
		},
		{
			Name:        "Echo (paid)",
			Description: "Same upstream as Echo, priced at 0.01 USDC per execution.",
			URL:         "https://httpbin.org/anything",
			Address:     payee,
			Price:       decimal.RequireFromString("0.01"),
		},
	}
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	agents := catalog.NewStore(pool)
	creds := credential.NewStore(pool)

	n, err := agents.Count(ctx)
	if err != nil {
		return fmt.Errorf("checking existing agents: %w", err)
	}
	if n > 0 {
		slog.Info("demo data already exists, skipping seed")
		return nil
	}

	var created []*catalog.Agent
	for _, input := range demoAgents(seedPayee) {
		a, err := agents.Create(ctx, input)
		if err != nil {
			return fmt.Errorf("creating agent %q: %w", input.Name, err)
		}
		slog.Info("created agent", "name", a.Name, "id", a.ID, "price", a.Price.String())
		created = append(created, a)
	}

	key, plaintext, err := auth.GenerateAPIKey()
	if err != nil {
		return fmt.Errorf("generating api key: %w", err)
	}
	cred, err := creds.Create(ctx, credential.CreateInput{
		OwnerID: "demo",
		Name:    "demo-credential",
		KeyHash: key.Hash,
		Prefix:  key.Prefix,
	})
	if err != nil {
		return fmt.Errorf("creating demo credential: %w", err)
	}
	slog.Info("created demo credential", "id", cred.ID, "prefix", cred.Prefix)

	fmt.Printf("\n=== Demo Data Seeded ===\n")
	fmt.Printf("Agents:    %d registered\n", len(created))
	fmt.Printf("API Key:   %s\n", plaintext)
	fmt.Printf("\nTry it:\n")
	fmt.Printf("  curl -X POST -H 'Authorization: Bearer %s' -d '{\"input\":\"hi\"}' http://localhost:%d/execute/%s\n", plaintext, cfg.Server.Port, created[0].ID)
	fmt.Printf("  curl -i -X POST -H 'Authorization: Bearer %s' -d '{\"input\":\"hi\"}' http://localhost:%d/execute/%s\n", plaintext, cfg.Server.Port, created[1].ID)

	return nil
}
