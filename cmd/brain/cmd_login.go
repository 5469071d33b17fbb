package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"agencyops.com/corporate-brain/internal/auth"
	"agencyops.com/corporate-brain/internal/domain"
)

var loginUser, loginPassword string

// loginCmd exchanges a user id and password for a token pair.
var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and print a token pair as JSON",
	Long: `Sign in against the server and print the access and refresh tokens.

The password is read from BRAIN_PASSWORD when --password is omitted.`,
	RunE: runLogin,
}

func init() {
	loginCmd.Flags().StringVar(&loginUser, "user", "", "User ID (required)")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Password")
	_ = loginCmd.MarkFlagRequired("user")
}

func runLogin(cmd *cobra.Command, args []string) error {
	password := loginPassword
	if password == "" {
		password = os.Getenv("BRAIN_PASSWORD")
	}
	if password == "" {
		return fmt.Errorf("a password is required (--password or BRAIN_PASSWORD)")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{"user_id": loginUser, "password": password})
	if err != nil {
		return fmt.Errorf("failed to marshal login request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(serverURL, "/")+"/login", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := (&http.Client{Timeout: timeout}).Do(req)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e domain.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("login failed: %s %s", resp.Status, e.Message)
	}

	var pair auth.TokenPair
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		return fmt.Errorf("failed to decode token pair: %w", err)
	}
	logger.Debug("signed in", zap.String("user", loginUser), zap.Time("expires_at", pair.ExpiresAt))

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(pair)
}
