package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"corpusflow/internal/models"
	"corpusflow/internal/util"

	"github.com/spf13/cobra"
)

var itemsCmd = &cobra.Command{
	Use:   "items",
	Short: "Manage corpus items",
}

var itemsImportCmd = &cobra.Command{
	Use:   "import <file.jsonl>",
	Short: "Import songs or words from a JSON Lines file",
	Long: `Reads one item per line, for example:
  {"kind":"song","corpus":"rock-latino","artist":"Caifanes","title":"La negra Tomasa","body":"..."}
Blank lines are skipped. Use "-" to read from stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		batchSize, _ := cmd.Flags().GetInt("batch-size")
		if batchSize <= 0 {
			return fmt.Errorf("%w: batch-size must be positive", models.ErrValidation)
		}
		defaultCorpus, _ := cmd.Flags().GetString("corpus")

		in := os.Stdin
		if args[0] != "-" {
			if binary, err := util.IsLikelyBinary(args[0]); err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			} else if binary {
				return fmt.Errorf("%w: %s looks like a binary file", models.ErrValidation, args[0])
			}
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", args[0], err)
			}
			defer f.Close()
			in = f
		}

		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		var (
			batch    []*models.Item
			imported int
			line     int
		)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			if err := appInstance.ItemStore.CreateItems(cmd.Context(), batch); err != nil {
				return fmt.Errorf("failed to import items ending at line %d: %w", line, err)
			}
			imported += len(batch)
			batch = batch[:0]
			return nil
		}
		for scanner.Scan() {
			line++
			text := strings.TrimSpace(scanner.Text())
			if text == "" {
				continue
			}
			var item models.Item
			if err := json.Unmarshal([]byte(text), &item); err != nil {
				return fmt.Errorf("line %d: %w", line, err)
			}
			if item.Corpus == "" {
				item.Corpus = defaultCorpus
			}
			src := fmt.Sprintf("%s:%d", args[0], line)
			if item.Title, err = util.CleanText([]byte(item.Title), src); err != nil {
				return err
			}
			if item.Body, err = util.CleanText([]byte(item.Body), src); err != nil {
				return err
			}
			if item.Kind == "" {
				item.Kind = models.ItemKindSong
			}
			if item.Kind != models.ItemKindSong && item.Kind != models.ItemKindWord {
				return fmt.Errorf("line %d: %w: unknown item kind %q", line, models.ErrValidation, item.Kind)
			}
			if strings.TrimSpace(item.Title) == "" || item.Corpus == "" {
				return fmt.Errorf("line %d: %w: title and corpus are required", line, models.ErrValidation)
			}
			batch = append(batch, &item)
			if len(batch) >= batchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}
		if err := flush(); err != nil {
			return err
		}
		fmt.Printf("Imported %d items.\n", imported)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(itemsCmd)
	itemsCmd.AddCommand(itemsImportCmd)
	itemsImportCmd.Flags().Int("batch-size", 500, "Items per insert")
	itemsImportCmd.Flags().String("corpus", "", "Corpus for lines that do not name one")
}
