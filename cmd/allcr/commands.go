package main

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/allcr/allcr/internal/config"
	"github.com/allcr/allcr/internal/extract"
	"github.com/allcr/allcr/internal/retrieval"
	"github.com/allcr/allcr/internal/storage"
)

// --- login ---

var loginCmd = &cobra.Command{
	Use:   "login <access-code>",
	Short: "Authenticate with an access code and save the session token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		client := &apiClient{
			baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
			httpClient: &http.Client{Timeout: 10 * time.Second},
		}

		resp, err := client.post(cmd.Context(), "/auth", map[string]string{"code": args[0]})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if err := saveToken(cfg.Storage.DataDir, result["token"]); err != nil {
			return fmt.Errorf("saving session token: %w", err)
		}

		printSuccess("Logged in")
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the current session and forget the saved token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err == nil {
			if resp, delErr := client.delete(cmd.Context(), "/session"); delErr == nil {
				resp.Body.Close()
			}
		}

		if err := os.Remove(tokenFilePath(cfg.Storage.DataDir)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing session token: %w", err)
		}

		printSuccess("Logged out")
		return nil
	},
}

// --- capture ---

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".webp": true, ".gif": true,
}

var audioExtensions = map[string]bool{
	".mp3": true, ".wav": true, ".m4a": true, ".ogg": true, ".flac": true, ".webm": true,
}

var captureCmd = &cobra.Command{
	Use:   "capture [file]",
	Short: "Capture a photo, file, audio note or web page",
	Long: `Capture content into the document store. The server transcribes it
into a structured record which is shown for review before anything
is saved.

Examples:
  allcr capture receipt.jpg --category financial
  allcr capture contract.pdf
  allcr capture memo.m4a
  allcr capture --url https://example.com/article`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pageURL, _ := cmd.Flags().GetString("url")
		category, _ := cmd.Flags().GetString("category")
		autoConfirm, _ := cmd.Flags().GetBool("yes")

		if pageURL == "" && len(args) == 0 {
			return fmt.Errorf("a file argument or --url is required")
		}

		req := map[string]any{"category": category}
		switch {
		case pageURL != "":
			if _, err := url.ParseRequestURI(pageURL); err != nil {
				return fmt.Errorf("invalid URL: %w", err)
			}
			req["media_type"] = "url"
			req["url"] = pageURL
		default:
			path := args[0]
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			ext := strings.ToLower(filepath.Ext(path))
			switch {
			case imageExtensions[ext]:
				req["media_type"] = "image"
			case audioExtensions[ext]:
				req["media_type"] = "audio"
			default:
				req["media_type"] = "file"
			}
			req["content"] = base64.StdEncoding.EncodeToString(data)
			req["filename"] = filepath.Base(path)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Transcribing...")
		resp, err := client.post(cmd.Context(), "/ingest/preview", req)
		if err != nil {
			return err
		}

		var preview struct {
			Extraction json.RawMessage `json:"extraction"`
			Media      string          `json:"media"`
			MediaType  string          `json:"media_type"`
		}
		if err := decodeJSON(resp, &preview); err != nil {
			return err
		}

		var pretty bytes.Buffer
		if err := json.Indent(&pretty, preview.Extraction, "", "  "); err != nil {
			return err
		}
		fmt.Println(pretty.String())

		if !autoConfirm {
			fmt.Fprint(os.Stderr, "Save this document? [y/N] ")
			reader := bufio.NewReader(os.Stdin)
			answer, _ := reader.ReadString('\n')
			if !strings.EqualFold(strings.TrimSpace(answer), "y") {
				printWarning("Discarded")
				return nil
			}
		}

		confirmResp, err := client.post(cmd.Context(), "/ingest/confirm", map[string]any{
			"extraction": preview.Extraction,
			"media":      preview.Media,
			"media_type": preview.MediaType,
		})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(confirmResp, &result); err != nil {
			return err
		}

		printSuccess("Saved document %s", result["id"])
		return nil
	},
}

func init() {
	captureCmd.Flags().String("url", "", "web page URL to capture")
	captureCmd.Flags().String("category", "", "category hint for the transcription")
	captureCmd.Flags().Bool("yes", false, "save without interactive confirmation")
}

// --- search ---

type searchHit struct {
	ID         string             `json:"id"`
	MediaType  string             `json:"media_type"`
	Extraction storage.Extraction `json:"extraction"`
	CreatedAt  string             `json:"created_at"`
	Score      float32            `json:"score,omitempty"`
}

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search captured documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, _ := cmd.Flags().GetString("mode")
		limit, _ := cmd.Flags().GetInt("limit")
		interactive, _ := cmd.Flags().GetBool("interactive")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if interactive {
			return runSearchTUI(client)
		}

		if len(args) == 0 {
			return fmt.Errorf("a query argument is required (or use --interactive)")
		}
		query := strings.Join(args, " ")

		path := fmt.Sprintf("/search?q=%s&mode=%s&limit=%d", url.QueryEscape(query), mode, limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var results []searchHit
		if err := decodeJSON(resp, &results); err != nil {
			return err
		}

		if len(results) == 0 {
			fmt.Println("No results found.")
			return nil
		}

		for _, r := range results {
			printSearchHit(r)
		}
		return nil
	},
}

func printSearchHit(r searchHit) {
	header := colorize(colorBold, r.Extraction.Name)
	if r.Score > 0 {
		header += fmt.Sprintf(" [score: %.3f]", r.Score)
	}
	fmt.Printf("\n%s\n", header)
	fmt.Printf("  %s  %s  %s\n", colorize(colorCyan, shortID(r.ID)), r.MediaType, r.Extraction.Type.AIClassified)
	summary := r.Extraction.Summary
	if len(summary) > 300 {
		summary = summary[:300] + "..."
	}
	fmt.Printf("  %s\n", summary)
}

func init() {
	searchCmd.Flags().String("mode", retrieval.ModeKeyword, "search mode: keyword or vector")
	searchCmd.Flags().Int("limit", 10, "maximum number of results")
	searchCmd.Flags().Bool("interactive", false, "open an interactive search screen")
}

// --- documents ---

var documentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "List and inspect captured documents",
}

var documentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/documents?limit=%d", limit))
		if err != nil {
			return err
		}

		var docs []searchHit
		if err := decodeJSON(resp, &docs); err != nil {
			return err
		}

		if len(docs) == 0 {
			fmt.Println("No documents found.")
			return nil
		}

		for _, d := range docs {
			name := d.Extraction.Name
			if len(name) > 60 {
				name = name[:60] + "..."
			}
			fmt.Printf("%s  %s  %-10s  %s\n",
				colorize(colorCyan, shortID(d.ID)),
				d.CreatedAt,
				d.MediaType,
				name,
			)
		}
		return nil
	},
}

var documentsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single document with its task history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/documents/"+args[0])
		if err != nil {
			return err
		}

		var doc any
		if err := decodeJSON(resp, &doc); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	},
}

func init() {
	documentsListCmd.Flags().Int("limit", 20, "maximum number of documents to list")
	documentsCmd.AddCommand(documentsListCmd)
	documentsCmd.AddCommand(documentsShowCmd)
}

// --- task ---

var taskCmd = &cobra.Command{
	Use:   "task <document-id> <prompt>",
	Short: "Run a prompt against a document and record the result",
	Long: `Run a prompt against a document's structured record. The result is
appended to the document's task history.

Examples:
  allcr task 3f2a91bc "Draft a dispute email for this parking ticket"
  allcr task 3f2a91bc "Total all line items"`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		documentID := args[0]
		prompt := strings.Join(args[1:], " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Running task...")
		resp, err := client.post(cmd.Context(), "/documents/"+documentID+"/tasks", map[string]string{
			"prompt": prompt,
		})
		if err != nil {
			return err
		}

		var record storage.TaskRecord
		if err := decodeJSON(resp, &record); err != nil {
			return err
		}

		fmt.Println(record.Result)
		return nil
	},
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with your documents",
	Long: `Interactive chat grounded in your captured documents. Each question
retrieves the most relevant records and streams an answer.

Type /reset to clear the conversation, /quit to exit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		scanner := bufio.NewScanner(os.Stdin)
		for {
			fmt.Fprint(os.Stderr, colorize(colorBold, "> "))
			if !scanner.Scan() {
				return scanner.Err()
			}
			line := strings.TrimSpace(scanner.Text())
			switch line {
			case "":
				continue
			case "/quit", "/exit":
				return nil
			case "/reset":
				resp, err := client.post(cmd.Context(), "/chat/reset", nil)
				if err != nil {
					return err
				}
				resp.Body.Close()
				printSuccess("Conversation reset")
				continue
			}

			if err := streamChat(cmd, client, line); err != nil {
				printError("%v", err)
			}
		}
	},
}

func streamChat(cmd *cobra.Command, client *apiClient, message string) error {
	resp, err := client.post(cmd.Context(), "/chat", map[string]string{"message": message})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var envelope struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&envelope) == nil && envelope.Error.Message != "" {
			return fmt.Errorf("%s", envelope.Error.Message)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}
		var event struct {
			Content string `json:"content"`
			Error   string `json:"error"`
		}
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			continue
		}
		if event.Error != "" {
			fmt.Println()
			return fmt.Errorf("%s", event.Error)
		}
		fmt.Print(event.Content)
	}
	fmt.Println()
	return scanner.Err()
}

// --- admin ---

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Administrative operations (direct storage access)",
}

var adminAddCredentialCmd = &cobra.Command{
	Use:   "add-credential <access-code>",
	Short: "Register a new access code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		store, err := openStore(cfg)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		if err := store.AddCredential(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("adding credential: %w", err)
		}

		printSuccess("Access code registered")
		return nil
	},
}

var adminReindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Recompute embeddings for every stored document",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		store, err := openStore(cfg)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		extractor := extract.New(cfg.Extractor.BaseURL, cfg.Extractor.APIKey, extract.Models{
			Embed: cfg.Extractor.EmbedModel,
		})

		printStep("Reindexing...")
		count, err := retrieval.Reindex(cmd.Context(), extractor, store)
		if err != nil {
			return fmt.Errorf("reindexing: %w", err)
		}

		printSuccess("Reindexed %d documents", count)
		return nil
	},
}

func init() {
	adminCmd.AddCommand(adminAddCredentialCmd)
	adminCmd.AddCommand(adminReindexCmd)
}
