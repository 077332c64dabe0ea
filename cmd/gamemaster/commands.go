package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mmerah/ai-gamemaster-sub005/internal/config"
)

// --- retrieve ---

var retrieveCmd = &cobra.Command{
	Use:   "retrieve <text>",
	Short: "Retrieve rulebook and campaign context for a player action",
	Long: `Retrieve rulebook and campaign context for a player action.

Examples:
  gamemaster retrieve "I attack the goblin with my sword"
  gamemaster retrieve --campaign <id> "I cast fireball at the cultists"
  gamemaster retrieve --packs homebrew,srd "what does the innkeeper know?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args, " ")
		campaignID, _ := cmd.Flags().GetString("campaign")
		packsStr, _ := cmd.Flags().GetString("packs")
		topK, _ := cmd.Flags().GetInt("top-k")
		budget, _ := cmd.Flags().GetInt("budget")

		req := map[string]any{"text": text}
		if campaignID != "" {
			req["campaign_id"] = campaignID
		}
		if packsStr != "" {
			priority := strings.Split(packsStr, ",")
			for i := range priority {
				priority[i] = strings.TrimSpace(priority[i])
			}
			req["pack_priority"] = priority
		}
		if topK > 0 {
			req["top_k"] = topK
		}
		if budget > 0 {
			req["token_budget"] = budget
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/retrieve", req)
		if err != nil {
			return err
		}

		var result struct {
			Rendered    string            `json:"rendered"`
			Snippets    []json.RawMessage `json:"snippets"`
			TotalTokens int               `json:"total_tokens"`
			Categories  []string          `json:"categories"`
			Degraded    bool              `json:"degraded"`
			DurationMs  int64             `json:"duration_ms"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.Rendered == "" {
			fmt.Println("No relevant content found.")
			return nil
		}

		fmt.Println(result.Rendered)
		if result.Degraded {
			printWarning("vector search unavailable, results from keyword match")
		}
		fmt.Fprintf(os.Stderr, "\n%s %d snippets, %d tokens, %dms (%s)\n",
			colorize(colorBold, "retrieved:"),
			len(result.Snippets), result.TotalTokens, result.DurationMs,
			strings.Join(result.Categories, ", "))
		return nil
	},
}

func init() {
	retrieveCmd.Flags().String("campaign", "", "campaign id whose pack priority to use")
	retrieveCmd.Flags().String("packs", "", "comma-separated pack priority override")
	retrieveCmd.Flags().Int("top-k", 0, "number of candidates per category")
	retrieveCmd.Flags().Int("budget", 0, "token budget for the assembled context")
}

// --- index ---

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Rebuild the vector index",
	RunE: func(cmd *cobra.Command, args []string) error {
		packID, _ := cmd.Flags().GetString("pack")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var body any
		if packID != "" {
			body = map[string]any{"pack_id": packID}
		}

		printStep("Indexing...")
		resp, err := client.post(cmd.Context(), "/reindex", body)
		if err != nil {
			return err
		}

		var report struct {
			Packs            []string `json:"packs"`
			DocumentsWritten int      `json:"documents_written"`
			DocumentsFailed  int      `json:"documents_failed"`
			Failures         []struct {
				PackID     string `json:"pack_id"`
				EntityType string `json:"entity_type"`
				Key        string `json:"key"`
				Error      string `json:"error"`
			} `json:"failures"`
		}
		if err := decodeJSON(resp, &report); err != nil {
			return err
		}

		printSuccess("Indexed %d documents across %d packs", report.DocumentsWritten, len(report.Packs))
		for _, f := range report.Failures {
			printError("Failed %s/%s/%s: %s", f.PackID, f.EntityType, f.Key, f.Error)
		}
		return nil
	},
}

func init() {
	indexCmd.Flags().String("pack", "", "reindex only this pack")
}

// --- import ---

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import content into a pack",
	Long: `Import content into a pack.

The format is detected from the file extension: .json is a pack manifest,
.pdf and .html are extracted into lore entries. Indexing is queued
automatically after a successful import.

Examples:
  gamemaster import --pack homebrew --file ./spells.json
  gamemaster import --pack homebrew --file ./chapter3.pdf
  gamemaster import --pack homebrew --file ./wiki-export.html --type location`,
	RunE: func(cmd *cobra.Command, args []string) error {
		packID, _ := cmd.Flags().GetString("pack")
		file, _ := cmd.Flags().GetString("file")
		format, _ := cmd.Flags().GetString("format")
		entityType, _ := cmd.Flags().GetString("type")

		if packID == "" || file == "" {
			return fmt.Errorf("both --pack and --file are required")
		}

		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}

		if format == "" {
			format, err = detectFormat(file)
			if err != nil {
				return err
			}
		}

		req := map[string]any{
			"format":    format,
			"file_name": filepath.Base(file),
		}
		if format == "pdf" {
			req["content"] = base64.StdEncoding.EncodeToString(data)
		} else {
			req["content"] = string(data)
		}
		if entityType != "" {
			req["entity_type"] = entityType
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/packs/"+packID+"/content", req)
		if err != nil {
			return err
		}

		var result struct {
			JobID    string `json:"job_id"`
			Imported struct {
				Entities int            `json:"entities"`
				ByType   map[string]int `json:"by_type"`
			} `json:"imported"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Imported %d entities into pack %s", result.Imported.Entities, packID)
		printStep("Queued indexing job %s", result.JobID)
		return nil
	},
}

func detectFormat(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "manifest", nil
	case ".pdf":
		return "pdf", nil
	case ".html", ".htm":
		return "html", nil
	}
	return "", fmt.Errorf("cannot detect format of %q: pass --format manifest, pdf, or html", path)
}

func init() {
	importCmd.Flags().String("pack", "", "pack id to import into")
	importCmd.Flags().String("file", "", "path to a manifest, PDF, or HTML file")
	importCmd.Flags().String("format", "", "override format detection (manifest, pdf, html)")
	importCmd.Flags().String("type", "", "entity type for extracted pdf/html entries")
}

// --- packs ---

var packsCmd = &cobra.Command{
	Use:   "packs",
	Short: "Manage content packs",
}

var packsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed content packs",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/packs")
		if err != nil {
			return err
		}

		var listing struct {
			Packs []struct {
				ID       string `json:"id"`
				Name     string `json:"name"`
				Priority int    `json:"priority"`
				Active   bool   `json:"active"`
				Builtin  bool   `json:"builtin"`
			} `json:"packs"`
		}
		if err := decodeJSON(resp, &listing); err != nil {
			return err
		}

		if len(listing.Packs) == 0 {
			fmt.Println("No packs installed.")
			return nil
		}

		for _, p := range listing.Packs {
			state := colorize(colorGreen, "active")
			if !p.Active {
				state = colorize(colorYellow, "inactive")
			}
			name := p.Name
			if p.Builtin {
				name += " (builtin)"
			}
			fmt.Printf("%s  priority=%-4d %s  %s\n", colorize(colorCyan, p.ID), p.Priority, state, name)
		}
		return nil
	},
}

var packsCreateCmd = &cobra.Command{
	Use:   "create <id> <name>",
	Short: "Create an empty content pack",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		priority, _ := cmd.Flags().GetInt("priority")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{"id": args[0], "name": args[1], "priority": priority}
		resp, err := client.post(cmd.Context(), "/packs", req)
		if err != nil {
			return err
		}

		var pack struct {
			ID       string `json:"id"`
			Priority int    `json:"priority"`
		}
		if err := decodeJSON(resp, &pack); err != nil {
			return err
		}

		printSuccess("Created pack %s (priority %d)", pack.ID, pack.Priority)
		return nil
	},
}

var packsRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a pack and its content",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/packs/"+args[0])
		if err != nil {
			return err
		}
		if err := expectNoContent(resp); err != nil {
			return err
		}

		printSuccess("Deleted pack %s", args[0])
		return nil
	},
}

func setPackActive(cmd *cobra.Command, id string, active bool) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	resp, err := client.patch(cmd.Context(), "/packs/"+id, map[string]any{"active": active})
	if err != nil {
		return err
	}

	var pack struct {
		ID     string `json:"id"`
		Active bool   `json:"active"`
	}
	if err := decodeJSON(resp, &pack); err != nil {
		return err
	}

	if pack.Active {
		printSuccess("Pack %s is active", pack.ID)
	} else {
		printSuccess("Pack %s is inactive", pack.ID)
	}
	return nil
}

var packsActivateCmd = &cobra.Command{
	Use:   "activate <id>",
	Short: "Include a pack in retrieval",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setPackActive(cmd, args[0], true)
	},
}

var packsDeactivateCmd = &cobra.Command{
	Use:   "deactivate <id>",
	Short: "Exclude a pack from retrieval without deleting it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setPackActive(cmd, args[0], false)
	},
}

var packsSetPriorityCmd = &cobra.Command{
	Use:   "set-priority <id> <priority>",
	Short: "Move a pack to a new priority slot (lower wins)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		priority, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("priority must be an integer: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.patch(cmd.Context(), "/packs/"+args[0], map[string]any{"priority": priority})
		if err != nil {
			return err
		}

		var pack struct {
			ID       string `json:"id"`
			Priority int    `json:"priority"`
		}
		if err := decodeJSON(resp, &pack); err != nil {
			return err
		}

		printSuccess("Pack %s now at priority %d", pack.ID, pack.Priority)
		return nil
	},
}

func init() {
	packsCreateCmd.Flags().Int("priority", 10, "priority slot for the new pack (lower wins)")
	packsCmd.AddCommand(packsListCmd)
	packsCmd.AddCommand(packsCreateCmd)
	packsCmd.AddCommand(packsRmCmd)
	packsCmd.AddCommand(packsActivateCmd)
	packsCmd.AddCommand(packsDeactivateCmd)
	packsCmd.AddCommand(packsSetPriorityCmd)
}

// --- campaigns ---

var campaignsCmd = &cobra.Command{
	Use:   "campaigns",
	Short: "Manage campaigns and their pack priority",
}

var campaignsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List campaigns",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/campaigns")
		if err != nil {
			return err
		}

		var listing struct {
			Campaigns []struct {
				ID           string   `json:"id"`
				Name         string   `json:"name"`
				PackPriority []string `json:"pack_priority"`
			} `json:"campaigns"`
		}
		if err := decodeJSON(resp, &listing); err != nil {
			return err
		}

		if len(listing.Campaigns) == 0 {
			fmt.Println("No campaigns found.")
			return nil
		}

		for _, c := range listing.Campaigns {
			fmt.Printf("%s  %s  [%s]\n",
				colorize(colorCyan, c.ID[:8]),
				c.Name,
				strings.Join(c.PackPriority, ", "),
			)
		}
		return nil
	},
}

var campaignsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a campaign",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		packsStr, _ := cmd.Flags().GetString("packs")
		description, _ := cmd.Flags().GetString("description")

		req := map[string]any{"name": args[0]}
		if description != "" {
			req["description"] = description
		}
		if packsStr != "" {
			priority := strings.Split(packsStr, ",")
			for i := range priority {
				priority[i] = strings.TrimSpace(priority[i])
			}
			req["pack_priority"] = priority
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/campaigns", req)
		if err != nil {
			return err
		}

		var created struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		}
		if err := decodeJSON(resp, &created); err != nil {
			return err
		}

		printSuccess("Created campaign %s (%s)", created.Name, created.ID)
		return nil
	},
}

var campaignsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a campaign as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/campaigns/"+args[0])
		if err != nil {
			return err
		}

		var c any
		if err := decodeJSON(resp, &c); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(c)
	},
}

var campaignsSetPriorityCmd = &cobra.Command{
	Use:   "set-priority <id> <pack>...",
	Short: "Set a campaign's pack priority order",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{"pack_priority": args[1:]}
		resp, err := client.put(cmd.Context(), "/campaigns/"+args[0]+"/priority", req)
		if err != nil {
			return err
		}

		var c struct {
			Name         string   `json:"name"`
			PackPriority []string `json:"pack_priority"`
		}
		if err := decodeJSON(resp, &c); err != nil {
			return err
		}

		printSuccess("Campaign %s resolves packs as [%s]", c.Name, strings.Join(c.PackPriority, ", "))
		return nil
	},
}

var campaignsRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a campaign",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/campaigns/"+args[0])
		if err != nil {
			return err
		}
		if err := expectNoContent(resp); err != nil {
			return err
		}

		printSuccess("Deleted campaign %s", args[0])
		return nil
	},
}

func init() {
	campaignsCreateCmd.Flags().String("packs", "", "comma-separated pack priority for the campaign")
	campaignsCreateCmd.Flags().String("description", "", "campaign description")
	campaignsCmd.AddCommand(campaignsListCmd)
	campaignsCmd.AddCommand(campaignsCreateCmd)
	campaignsCmd.AddCommand(campaignsShowCmd)
	campaignsCmd.AddCommand(campaignsSetPriorityCmd)
	campaignsCmd.AddCommand(campaignsRmCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
