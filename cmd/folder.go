// Copyright 2026 CleverData
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cleverdata/hotfold/internal/config"
	"github.com/cleverdata/hotfold/internal/handler"
	"github.com/cleverdata/hotfold/internal/store"
)

var folderCmd = &cobra.Command{
	Use:   "folder",
	Short: "Manage hot folders",
}

var folderAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a new hot folder",
	Long: `Adds a hot folder to the agent's configuration.

The agent polls the folder's incoming directory on an adaptive interval.
A file becomes a candidate once its size has held steady for
stability-checks consecutive polls and stability-window has passed since
the size last changed. One candidate is claimed per poll, moved into
processing, run through the handler under the retry policy, and finally
moved to success or errors.

The store is either a named connection from the config file or an inline
URL: a plain path or local:// for a local directory, sftp://host/path
for an SFTP server.`,
	Example: `  hotfold folder add --name scans --url "/srv/scans" --handler http_upload \
      --handler-arg endpoint=https://ingest.example.com/upload --handler-arg token=sk_... \
      --pattern "*.pdf" --min-size 1KB`,
	Run: func(cmd *cobra.Command, args []string) {
		name, _ := cmd.Flags().GetString("name")
		connName, _ := cmd.Flags().GetString("connection")
		storeURL, _ := cmd.Flags().GetString("url")
		force, _ := cmd.Flags().GetBool("force")
		handlerType, _ := cmd.Flags().GetString("handler")
		handlerArgs, _ := cmd.Flags().GetStringToString("handler-arg")

		if name == "" || handlerType == "" {
			fmt.Println("Error: --name and --handler are required.")
			return
		}
		if (connName == "") == (storeURL == "") {
			fmt.Println("Error: exactly one of --connection or --url is required.")
			return
		}

		f := config.HotFolder{
			Name:       name,
			Connection: connName,
			URL:        storeURL,
			Handler:    config.Handler{Type: handlerType, Args: handlerArgs},
		}
		f.Username, _ = cmd.Flags().GetString("username")
		f.Password, _ = cmd.Flags().GetString("password")
		f.KnownHosts, _ = cmd.Flags().GetString("known-hosts")
		f.Incoming, _ = cmd.Flags().GetString("incoming")
		f.Processing, _ = cmd.Flags().GetString("processing")
		f.Success, _ = cmd.Flags().GetString("success")
		f.Errors, _ = cmd.Flags().GetString("errors")
		f.PollInitial, _ = cmd.Flags().GetString("poll-initial")
		f.PollMax, _ = cmd.Flags().GetString("poll-max")
		f.BackoffFactor, _ = cmd.Flags().GetFloat64("backoff-factor")
		f.Patterns, _ = cmd.Flags().GetStringSlice("pattern")
		f.Exclude, _ = cmd.Flags().GetStringSlice("exclude")
		f.MinSize, _ = cmd.Flags().GetString("min-size")
		f.MaxSize, _ = cmd.Flags().GetString("max-size")
		f.MimeTypes, _ = cmd.Flags().GetStringSlice("mime")
		f.StabilityChecks, _ = cmd.Flags().GetInt("stability-checks")
		f.StabilityWindow, _ = cmd.Flags().GetString("stability-window")
		f.HandlerTimeout, _ = cmd.Flags().GetString("handler-timeout")
		f.MaxRetries, _ = cmd.Flags().GetInt("max-retries")
		f.BackoffBase, _ = cmd.Flags().GetString("backoff-base")
		f.NoAutoCreate, _ = cmd.Flags().GetBool("no-auto-create")
		f.NoReports, _ = cmd.Flags().GetBool("no-reports")
		f.DisableFsnotify, _ = cmd.Flags().GetBool("no-fsnotify")

		// Validate against the full config so duplicate names and dangling
		// connection references are caught before anything is written.
		var cfg config.Config
		_ = viper.Unmarshal(&cfg)
		for _, existing := range cfg.Folders {
			if existing.Name == name {
				fmt.Printf("Error: Folder '%s' already exists.\n", name)
				return
			}
		}
		cfg.Folders = append(cfg.Folders, f)
		cfg.Normalize()
		if err := cfg.Validate(); err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		if err := handler.Validate(handler.Spec{Type: handlerType, Args: handlerArgs}); err != nil {
			fmt.Printf("Error: %v (known handlers: %s)\n", err, strings.Join(handler.Names(), ", "))
			return
		}

		// --- VERIFICATION STEP ---
		normalized := cfg.Folders[len(cfg.Folders)-1]
		if !force {
			if err := verifyStore(&cfg, normalized); err != nil {
				fmt.Printf("❌ Store check failed: %v\n", err)
				fmt.Println("Use --force to add anyway.")
				return
			}
			fmt.Println("✅ Store Verified!")
		}
		// -------------------------

		var rawFolders []map[string]any
		_ = viper.UnmarshalKey("folders", &rawFolders)
		m, err := folderMap(f)
		if err != nil {
			fmt.Printf("Failed to encode folder: %v\n", err)
			return
		}
		rawFolders = append(rawFolders, m)
		viper.Set("folders", rawFolders)

		// Save config
		if viper.ConfigFileUsed() != "" {
			if err := viper.WriteConfig(); err != nil {
				fmt.Printf("Failed to update config: %v\n", err)
				return
			}
		} else {
			// No config exists yet, let's create one in the best location
			targetDir := ""
			if checkIfAdmin() {
				if programData := os.Getenv("PROGRAMDATA"); programData != "" {
					targetDir = filepath.Join(programData, "Hotfold")
				} else {
					targetDir = "/etc/hotfold"
				}
			} else {
				exePath, _ := os.Executable()
				targetDir = filepath.Dir(exePath)
				fmt.Println("\n>>> NOTE: Running unprivileged. Config saved next to the binary.")
				fmt.Println(">>> The system service will NOT see this folder.")
			}

			os.MkdirAll(targetDir, 0755)
			viper.SetConfigFile(filepath.Join(targetDir, "config.yaml"))

			if err := viper.SafeWriteConfig(); err != nil {
				fmt.Printf("Failed to create config: %v\n", err)
				return
			}
		}

		fmt.Printf("Folder '%s' added successfully.\n", name)
		fmt.Printf("Policy: %d checks @ window %s | Poll: %s -> %s (x%.1f) | Retries: %d @ base %s | Timeout: %s\n",
			normalized.StabilityChecks, normalized.StabilityWindow,
			normalized.PollInitial, normalized.PollMax, normalized.BackoffFactor,
			normalized.MaxRetries, normalized.BackoffBase, normalized.HandlerTimeout)
		fmt.Println("\n>>> IMPORTANT: Run 'hotfold restart' to apply these changes to the running service.")
	},
}

// verifyStore dials the folder's store and lists the incoming directory,
// so typos in URLs, credentials, and paths surface now instead of at
// service start.
func verifyStore(cfg *config.Config, f config.HotFolder) error {
	conn, err := cfg.StoreConnection(f)
	if err != nil {
		return err
	}
	where := conn.URL
	if f.Connection != "" {
		where = fmt.Sprintf("connection %q (%s)", f.Connection, conn.URL)
	}
	fmt.Printf("Verifying store %s...\n", where)

	st, err := store.Dial(store.Connection{
		URL:        conn.URL,
		Username:   conn.Username,
		Password:   conn.Password,
		KnownHosts: conn.KnownHosts,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := st.ListDir(ctx, f.Incoming); err != nil {
		if errors.Is(err, store.ErrNotExist) && !f.NoAutoCreate {
			fmt.Printf("Note: incoming directory %q does not exist yet; it will be created on start.\n", f.Incoming)
			return nil
		}
		return err
	}
	return nil
}

// folderMap flattens the folder to its config keys so the written yaml
// round-trips through Unmarshal.
func folderMap(f config.HotFolder) (map[string]any, error) {
	m := map[string]any{}
	if err := mapstructure.Decode(f, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func checkIfAdmin() bool {
	if os.Getenv("OS") == "Windows_NT" {
		// Opening a raw disk device only works elevated
		_, err := os.Open("\\\\.\\PHYSICALDRIVE0")
		return err == nil
	}
	return os.Geteuid() == 0
}

var folderListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List configured hot folders",
	Run: func(cmd *cobra.Command, args []string) {
		var cfg config.Config
		_ = viper.Unmarshal(&cfg)
		cfg.Normalize()

		if len(cfg.Folders) == 0 {
			fmt.Println("No folders configured.")
			return
		}

		fmt.Printf("% -15s % -40s % -15s %s\n", "NAME", "STORE", "INCOMING", "HANDLER")
		fmt.Println("--------------------------------------------------------------------------------")
		for _, f := range cfg.Folders {
			where := f.URL
			if f.Connection != "" {
				where = "connection:" + f.Connection
			}
			fmt.Printf("% -15s % -40s % -15s %s\n", f.Name, where, f.Incoming, f.Handler.Type)
		}
	},
}

var folderRemoveCmd = &cobra.Command{
	Use:     "remove [name]",
	Aliases: []string{"rm", "del"},
	Short:   "Remove a configured hot folder",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		name := args[0]

		var rawFolders []map[string]any
		if err := viper.UnmarshalKey("folders", &rawFolders); err != nil || len(rawFolders) == 0 {
			fmt.Println("No folders configured.")
			return
		}

		found := false
		updated := make([]map[string]any, 0, len(rawFolders))
		for _, m := range rawFolders {
			if n, ok := m["name"].(string); ok && n == name {
				found = true
				continue
			}
			updated = append(updated, m)
		}

		if !found {
			fmt.Printf("Error: Folder '%s' not found.\n", name)
			return
		}

		viper.Set("folders", updated)
		if err := viper.WriteConfig(); err != nil {
			fmt.Printf("Failed to save config: %v\n", err)
			return
		}

		fmt.Printf("Folder '%s' removed successfully.\n", name)
		fmt.Println("\n>>> IMPORTANT: Run 'hotfold restart' to apply these changes to the running service.")
	},
}

func init() {
	folderAddCmd.Flags().String("name", "", "Unique name for this hot folder")
	folderAddCmd.Flags().String("connection", "", "Named connection from the config file")
	folderAddCmd.Flags().String("url", "", "Store URL (local path or sftp://host/path)")
	folderAddCmd.Flags().String("username", "", "Store username (inline url only)")
	folderAddCmd.Flags().String("password", "", "Store password (inline url only)")
	folderAddCmd.Flags().String("known-hosts", "", "known_hosts file for SFTP host verification")
	folderAddCmd.Flags().String("incoming", "incoming", "Directory watched for new files")
	folderAddCmd.Flags().String("processing", "processing", "Directory files are staged into while the handler runs")
	folderAddCmd.Flags().String("success", "success", "Directory for processed files")
	folderAddCmd.Flags().String("errors", "errors", "Directory for failed files and their reports")
	folderAddCmd.Flags().String("handler", "", "Handler type ("+strings.Join(handler.Names(), ", ")+")")
	folderAddCmd.Flags().StringToString("handler-arg", nil, "Handler argument as key=value (repeatable)")
	folderAddCmd.Flags().StringSlice("pattern", nil, "Include glob; a file must match at least one (repeatable)")
	folderAddCmd.Flags().StringSlice("exclude", nil, "Exclude glob (repeatable)")
	folderAddCmd.Flags().String("min-size", "", "Minimum file size, e.g. 1KB")
	folderAddCmd.Flags().String("max-size", "", "Maximum file size, e.g. 2GB")
	folderAddCmd.Flags().StringSlice("mime", nil, "Allowed MIME type, exact or family wildcard like image/* (repeatable)")
	folderAddCmd.Flags().String("poll-initial", config.DefaultPollInitial, "Initial poll interval")
	folderAddCmd.Flags().String("poll-max", config.DefaultPollMax, "Poll interval ceiling")
	folderAddCmd.Flags().Float64("backoff-factor", config.DefaultBackoffFactor, "Poll interval growth factor on empty polls")
	folderAddCmd.Flags().Int("stability-checks", config.DefaultStabilityChecks, "Consecutive equal-size polls before a file is stable")
	folderAddCmd.Flags().String("stability-window", config.DefaultStabilityWindow, "Extra quiet time after the size settles")
	folderAddCmd.Flags().String("handler-timeout", config.DefaultHandlerTimeout, "Hard deadline per handler attempt")
	folderAddCmd.Flags().Int("max-retries", config.DefaultMaxRetries, "Total handler attempts per file")
	folderAddCmd.Flags().String("backoff-base", config.DefaultBackoffBase, "Base delay between handler attempts")
	folderAddCmd.Flags().Bool("no-auto-create", false, "Do not create missing workflow directories on start")
	folderAddCmd.Flags().Bool("no-reports", false, "Do not write error reports next to failed files")
	folderAddCmd.Flags().Bool("no-fsnotify", false, "Disable filesystem change hints (rely purely on polling)")
	folderAddCmd.Flags().Bool("force", false, "Skip store verification")

	folderCmd.AddCommand(folderAddCmd)
	folderCmd.AddCommand(folderListCmd)
	folderCmd.AddCommand(folderRemoveCmd)
	rootCmd.AddCommand(folderCmd)
}
