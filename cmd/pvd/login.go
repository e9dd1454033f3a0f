package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var loginCmd = &cobra.Command{
	Use:   "login <user-id>",
	Short: "Sign in and obtain a device identity",
	Long: `Request a device token from the sync server and store it in the
token file. A running daemon picks the new identity up immediately and
resumes sync; no restart is needed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID := args[0]

		body, err := json.Marshal(map[string]string{"userId": userID})
		if err != nil {
			return err
		}
		resp, err := http.Post(cfg.ServerURL+"/auth/device", "application/json", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to request device token: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("device token request rejected with status %d", resp.StatusCode)
		}

		var decoded struct {
			Token    string `json:"token"`
			DeviceID string `json:"deviceId"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return fmt.Errorf("failed to decode device token response: %w", err)
		}

		if err := os.MkdirAll(filepath.Dir(cfg.TokenFile), 0o700); err != nil {
			return fmt.Errorf("failed to create token dir: %w", err)
		}
		if err := writeFileAtomic(cfg.TokenFile, []byte(decoded.Token)); err != nil {
			return fmt.Errorf("failed to write token file: %w", err)
		}

		fmt.Printf("Signed in as %s (device %s)\n", userID, decoded.DeviceID)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out",
	Long: `Clear the token file. A running daemon pauses the outbound queue;
queued work is kept and resumes on the next sign-in.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := writeFileAtomic(cfg.TokenFile, nil); err != nil {
			return fmt.Errorf("failed to clear token file: %w", err)
		}
		fmt.Println("Signed out")
		return nil
	},
}

// writeFileAtomic replaces the file through a rename so watchers never
// observe a partial write.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}
