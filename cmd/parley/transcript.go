package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/parley-dev/parley/internal/config"
	"github.com/parley-dev/parley/pkg/adapters/sqlite"
	"github.com/parley-dev/parley/pkg/domain"
)

var transcriptCmd = &cobra.Command{
	Use:   "transcript <conversation-id>",
	Short: "Render a stored conversation transcript",
	Long: `Reads a conversation from the configured store and renders it as markdown.
Output is styled when stdout is a terminal and plain otherwise.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		configPath, _ := cmd.Flags().GetString("config")
		asJSON, _ := cmd.Flags().GetBool("json")

		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Printf("Error loading config: %v\n", err)
			os.Exit(1)
		}
		if cfg.Storage.Backend != "sqlite" {
			fmt.Println("transcript requires the sqlite storage backend")
			os.Exit(1)
		}

		store, err := sqlite.New(cfg.Storage.Path)
		if err != nil {
			fmt.Printf("Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		transcript, err := store.LoadTranscript(context.Background(), args[0])
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}

		if asJSON {
			out, _ := json.MarshalIndent(transcript, "", "  ")
			fmt.Println(string(out))
			return
		}

		printStatus(transcript)
		markdown := renderMarkdown(transcript)

		fd := int(os.Stdout.Fd())
		if !term.IsTerminal(fd) {
			fmt.Println(markdown)
			return
		}

		width := 100
		if w, _, err := term.GetSize(fd); err == nil && w > 0 {
			width = w
		}
		r, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(width),
		)
		if err != nil {
			fmt.Println(markdown)
			return
		}
		styled, err := r.Render(markdown)
		if err != nil {
			fmt.Println(markdown)
			return
		}
		fmt.Print(styled)
	},
}

// printStatus writes a colored one-line status header.
func printStatus(t *domain.Transcript) {
	p := termenv.ColorProfile()
	color := "#4ade80"
	switch t.Status {
	case domain.StatusError:
		color = "#f87171"
	case domain.StatusCompleted:
		color = "#818cf8"
	}
	status := termenv.String(string(t.Status)).Foreground(p.Color(color)).Bold()
	fmt.Printf("%s  %s\n", t.ConversationID, status)
}

func renderMarkdown(t *domain.Transcript) string {
	var b strings.Builder
	for _, m := range t.Messages {
		switch m.Role {
		case domain.RoleUser:
			b.WriteString("## User\n\n")
		default:
			b.WriteString("## Assistant\n\n")
		}
		if m.Content != "" {
			b.WriteString(m.Content)
			b.WriteString("\n\n")
		}
	}
	return b.String()
}

func init() {
	rootCmd.AddCommand(transcriptCmd)
	transcriptCmd.Flags().Bool("json", false, "Dump the raw transcript JSON")
}
