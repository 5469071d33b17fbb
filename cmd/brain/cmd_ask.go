package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"agencyops.com/corporate-brain/internal/assistant"
	"agencyops.com/corporate-brain/internal/auth"
	"agencyops.com/corporate-brain/internal/protocol"
)

var (
	askAccessToken   string
	askRefreshToken  string
	askSubject       string
	askProjectRef    string
	askTimezone      string
	askSessionID     string
	askAgentOverride bool
)

// askCmd runs one query through the same orchestrator the server uses, so
// credential problems come back as readable diagnostics.
var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask the brain a question",
	Long: `Ask the brain a question and print the answer with widgets rendered as text.

Tokens default to BRAIN_ACCESS_TOKEN and BRAIN_REFRESH_TOKEN. An expired access
token is refreshed once through the server.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVar(&askAccessToken, "access-token", os.Getenv("BRAIN_ACCESS_TOKEN"), "Access token")
	askCmd.Flags().StringVar(&askRefreshToken, "refresh-token", os.Getenv("BRAIN_REFRESH_TOKEN"), "Refresh token")
	askCmd.Flags().StringVar(&askSubject, "subject", "", "Expected token subject")
	askCmd.Flags().StringVar(&askProjectRef, "project-ref", envOr("PROJECT_REF", "agency-portal"), "Project the tokens must belong to")
	askCmd.Flags().StringVar(&askTimezone, "tz", "", "IANA time zone reported to the server (default: local)")
	askCmd.Flags().StringVar(&askSessionID, "session", "", "Session ID to attach the query to")
	askCmd.Flags().BoolVar(&askAgentOverride, "agent-override", false, "Return the wider retrieval set")
}

func runAsk(cmd *cobra.Command, args []string) error {
	loc := time.Local
	if askTimezone != "" {
		l, err := time.LoadLocation(askTimezone)
		if err != nil {
			return fmt.Errorf("invalid --tz %q: %w", askTimezone, err)
		}
		loc = l
	}

	base := strings.TrimSuffix(serverURL, "/")
	provider := auth.NewHTTPProvider(base, timeout, auth.TokenPair{
		AccessToken:  askAccessToken,
		RefreshToken: askRefreshToken,
	}, askSubject)

	orchestrator := assistant.NewOrchestrator(
		auth.NewManager(logger),
		assistant.NewRetrievalClient(base+"/brain", &http.Client{}),
		assistant.OrchestratorConfig{ExpectedProjectRef: askProjectRef, Timeout: timeout, Location: loc},
		logger,
	)

	result := orchestrator.AskBrain(cmd.Context(), auth.Identity{Subject: askSubject, Provider: provider}, assistant.Query{
		Text:          strings.Join(args, " "),
		SessionID:     askSessionID,
		AgentOverride: askAgentOverride,
	})

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, protocol.RenderText(protocol.Parse(result.Answer)))
	if result.Diagnostic != nil {
		return fmt.Errorf("%s", result.Diagnostic.Kind)
	}

	if verbose {
		for _, d := range result.Documents {
			similarity := "-"
			if d.Similarity != nil {
				similarity = fmt.Sprintf("%.3f", *d.Similarity)
			}
			fmt.Fprintf(out, "  [%s] %v %s\n", similarity, d.Metadata["type"], d.ID)
		}
		if result.Meta != nil {
			fmt.Fprintf(out, "  latency=%dms cost=$%.6f rpcs=%s\n", result.Meta.LatencyMS, result.Meta.CostEst, strings.Join(result.Meta.ExecutedDBRPCs, ","))
		}
	}
	return nil
}
