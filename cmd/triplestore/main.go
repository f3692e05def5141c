// Command triplestore is a CLI front end over the root Store façade:
// add/get/relate/find against a disk-backed store rooted at --db.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/liliang-cn/triplestore"
	"github.com/liliang-cn/triplestore/pkg/entity"
	"github.com/liliang-cn/triplestore/pkg/kv"
	"github.com/liliang-cn/triplestore/pkg/planner"
)

var (
	dbPath string
	dim    int
	branch string
)

var rootCmd = &cobra.Command{
	Use:   "triplestore",
	Short: "CLI for the Triple Intelligence vector/graph/metadata store",
}

var addCmd = &cobra.Command{
	Use:   "add <noun-type>",
	Short: "Add a noun",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vectorStr, _ := cmd.Flags().GetString("vector")
		metadataStr, _ := cmd.Flags().GetString("metadata")

		vector, err := parseVector(vectorStr)
		if err != nil {
			return err
		}
		metadata, err := parseMetadata(metadataStr)
		if err != nil {
			return err
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close(cmd.Context())

		id, err := store.Add(cmd.Context(), entity.NounType(args[0]), vector, metadata)
		if err != nil {
			return fmt.Errorf("add: %w", err)
		}
		fmt.Println(id)
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Get an entity by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close(cmd.Context())

		ent, err := store.Get(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("get: %w", err)
		}
		return printJSON(ent)
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an entity by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close(cmd.Context())

		if err := store.Delete(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("delete: %w", err)
		}
		fmt.Printf("%s deleted\n", args[0])
		return nil
	},
}

var relateCmd = &cobra.Command{
	Use:   "relate <from> <verb-type> <to>",
	Short: "Create a directed edge from->to",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		weight, _ := cmd.Flags().GetFloat64("weight")
		metadataStr, _ := cmd.Flags().GetString("metadata")
		metadata, err := parseMetadata(metadataStr)
		if err != nil {
			return err
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close(cmd.Context())

		verbID, err := store.Relate(cmd.Context(), args[0], args[2], entity.VerbType(args[1]), weight, metadata)
		if err != nil {
			return fmt.Errorf("relate: %w", err)
		}
		fmt.Println(verbID)
		return nil
	},
}

var findCmd = &cobra.Command{
	Use:   "find",
	Short: "Run a Triple Intelligence query",
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		vectorStr, _ := cmd.Flags().GetString("vector")
		limit, _ := cmd.Flags().GetInt("limit")

		var query *planner.Query
		if text != "" || vectorStr != "" {
			query = &planner.Query{Text: text}
			if vectorStr != "" {
				v, err := parseVector(vectorStr)
				if err != nil {
					return err
				}
				query.Vector = v
			}
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close(cmd.Context())

		results, err := store.Find(cmd.Context(), planner.FindQuery{Query: query, Limit: limit})
		if err != nil {
			return fmt.Errorf("find: %w", err)
		}
		return printJSON(results)
	},
}

var forkCmd = &cobra.Command{
	Use:   "fork <name> [parent]",
	Short: "Create a copy-on-write branch",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		parent := ""
		if len(args) == 2 {
			parent = args[1]
		}
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close(cmd.Context())

		if err := store.Fork(cmd.Context(), args[0], parent); err != nil {
			return fmt.Errorf("fork: %w", err)
		}
		fmt.Printf("branch %s created\n", args[0])
		return nil
	},
}

var commitCmd = &cobra.Command{
	Use:   "commit <message> <id...>",
	Short: "Snapshot the listed entities into a named point",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		author, _ := cmd.Flags().GetString("author")
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close(cmd.Context())

		commitID, err := store.Commit(cmd.Context(), args[1:], args[0], author, nil)
		if err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		fmt.Println(commitID)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print entity/relationship counts for the current branch",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close(cmd.Context())

		entities, err := store.CountEntities(cmd.Context())
		if err != nil {
			return fmt.Errorf("stats: %w", err)
		}
		relationships, err := store.CountRelationships(cmd.Context())
		if err != nil {
			return fmt.Errorf("stats: %w", err)
		}
		return printJSON(map[string]int64{"entities": entities, "relationships": relationships})
	},
}

func openStore() (*triplestore.Store, error) {
	backend, err := kv.NewDisk(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dbPath, err)
	}
	cfg := triplestore.DefaultConfig()
	cfg.Dim = dim
	store, err := triplestore.New(context.Background(), backend, cfg)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	if branch != "" && branch != kv.MainBranch {
		if err := store.Checkout(context.Background(), branch); err != nil {
			return nil, fmt.Errorf("checkout %s: %w", branch, err)
		}
	}
	return store, nil
}

func parseVector(s string) ([]float32, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector component %q: %w", p, err)
		}
		out[i] = float32(v)
	}
	return out, nil
}

func parseMetadata(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("invalid metadata JSON: %w", err)
	}
	return out, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "./triplestore-data", "Data directory")
	rootCmd.PersistentFlags().IntVarP(&dim, "dim", "n", 384, "Vector dimension")
	rootCmd.PersistentFlags().StringVarP(&branch, "branch", "b", "", "Branch to check out before running (default: main)")

	addCmd.Flags().String("vector", "", "Vector values (comma-separated)")
	addCmd.Flags().String("metadata", "", "Metadata as JSON")
	addCmd.MarkFlagRequired("vector")

	relateCmd.Flags().Float64("weight", 1.0, "Edge weight in [0,1]")
	relateCmd.Flags().String("metadata", "", "Metadata as JSON")

	findCmd.Flags().String("text", "", "Text query")
	findCmd.Flags().String("vector", "", "Vector query (comma-separated)")
	findCmd.Flags().Int("limit", 10, "Max results")

	commitCmd.Flags().String("author", "", "Commit author")

	rootCmd.AddCommand(addCmd, getCmd, deleteCmd, relateCmd, findCmd, forkCmd, commitCmd, statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
