package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"magray/internal/memory"
	"magray/internal/orchestrator"
)

var storeCmd = &cobra.Command{
	Use:   "store [text]",
	Short: "Embed and store a record",
	Long: `Embed text and store it as a new record. With no argument the text is
read from stdin. Prints the new record id.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStore,
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search records by similarity",
	Args:  cobra.ExactArgs(1),
	RunE:  runSearch,
}

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a record",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Delete records",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDelete,
}

// Command flags
var (
	storeTier       string
	storeImportance float64
	storeTag        string

	searchLimit     int
	searchTiers     string
	searchDeadline  time.Duration
	searchCrossTier bool
	searchNoRerank  bool
	searchTag       string
)

func init() {
	storeCmd.Flags().StringVar(&storeTier, "tier", memory.TierInteraction.String(), "Tier to store into")
	storeCmd.Flags().Float64Var(&storeImportance, "importance", -1, "Importance in [0,1]; negative leaves it unset")
	storeCmd.Flags().StringVar(&storeTag, "tag", "", "Free-form tag")

	searchCmd.Flags().IntVarP(&searchLimit, "limit", "k", 10, "Maximum number of results")
	searchCmd.Flags().StringVar(&searchTiers, "tier", "", "Comma-separated tiers to search (default all)")
	searchCmd.Flags().DurationVar(&searchDeadline, "deadline", 0, "Search deadline (default from config)")
	searchCmd.Flags().BoolVar(&searchCrossTier, "cross-tier", false, "Query tiers concurrently")
	searchCmd.Flags().BoolVar(&searchNoRerank, "no-rerank", false, "Skip reranking")
	searchCmd.Flags().StringVar(&searchTag, "tag", "", "Only return records with this tag")

	rootCmd.AddCommand(storeCmd, searchCmd, getCmd, deleteCmd)
}

func runStore(cmd *cobra.Command, args []string) error {
	var text string
	if len(args) == 1 {
		text = args[0]
	} else {
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		text = strings.TrimSpace(string(b))
	}

	tier, err := memory.ParseTier(storeTier)
	if err != nil {
		return err
	}
	opts := orchestrator.StoreOptions{Tier: tier, Tag: storeTag}
	if storeImportance >= 0 {
		v := storeImportance
		opts.Importance = &v
	}

	return withEngine(cmd, func(ctx context.Context, o *orchestrator.Orchestrator) error {
		id, err := o.Store(ctx, text, opts)
		if err != nil {
			return err
		}
		return printJSON(cmd, map[string]string{"id": id, "tier": tier.String()})
	})
}

func runSearch(cmd *cobra.Command, args []string) error {
	var tiers []memory.Tier
	for _, s := range strings.Split(searchTiers, ",") {
		if strings.TrimSpace(s) == "" {
			continue
		}
		t, err := memory.ParseTier(s)
		if err != nil {
			return err
		}
		tiers = append(tiers, t)
	}

	return withEngine(cmd, func(ctx context.Context, o *orchestrator.Orchestrator) error {
		res, err := o.Search(ctx, args[0], searchLimit, orchestrator.SearchOptions{
			Tiers:     tiers,
			Deadline:  searchDeadline,
			CrossTier: searchCrossTier,
			NoRerank:  searchNoRerank,
			Tag:       searchTag,
		})
		if err != nil {
			return err
		}
		// Embeddings are noise on a terminal.
		for i := range res.Hits {
			res.Hits[i].Record.Embedding = nil
		}
		return printJSON(cmd, res)
	})
}

func runGet(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(ctx context.Context, o *orchestrator.Orchestrator) error {
		rec, err := o.Get(ctx, args[0])
		if err != nil {
			return err
		}
		rec.Embedding = nil
		return printJSON(cmd, rec)
	})
}

func runDelete(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(ctx context.Context, o *orchestrator.Orchestrator) error {
		deleted := make([]string, 0, len(args))
		for _, id := range args {
			if err := o.Delete(ctx, id); err != nil {
				return fmt.Errorf("delete %s: %w", id, err)
			}
			deleted = append(deleted, id)
		}
		return printJSON(cmd, map[string][]string{"deleted": deleted})
	})
}
