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
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cleverdata/hotfold/internal/config"
	"github.com/cleverdata/hotfold/internal/journal"
)

// journalDSN resolves the journal location the same way the running agent
// does: an explicit telemetry.journal_dsn wins, otherwise the default file
// under data_dir. The second return reports whether it was explicit.
func journalDSN() (string, bool) {
	var cfg config.Config
	_ = viper.Unmarshal(&cfg)
	cfg.Normalize()
	if cfg.Telemetry.JournalDSN != "" {
		return cfg.Telemetry.JournalDSN, true
	}
	return filepath.Join(cfg.DataDir, "journal.db"), false
}

var (
	historyFolder string
	historyLimit  int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recently finished episodes",
	Long:  `Reads the episode journal and prints the most recent entries, newest first.`,
	Run: func(cmd *cobra.Command, args []string) {
		dsn, _ := journalDSN()
		jnl, err := journal.Open(dsn)
		if err != nil {
			fmt.Printf("Failed to open journal: %v\n", err)
			return
		}
		defer jnl.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		entries, err := jnl.Recent(ctx, historyFolder, historyLimit)
		if err != nil {
			fmt.Printf("Failed to read journal: %v\n", err)
			return
		}
		if len(entries) == 0 {
			fmt.Println("No episodes recorded.")
			return
		}

		fmt.Printf("% -20s % -12s % -28s % -8s % -9s %s\n", "FINISHED", "FOLDER", "FILE", "STATUS", "ATTEMPTS", "ERROR")
		fmt.Println(strings.Repeat("-", 100))
		for _, e := range entries {
			errMsg := e.Error
			if len(errMsg) > 40 {
				errMsg = errMsg[:37] + "..."
			}
			fmt.Printf("% -20s % -12s % -28s % -8s % -9d %s\n",
				e.FinishedAt.Format("2006-01-02 15:04:05"), e.Folder, e.File, e.Status, e.Attempts, errMsg)
		}
	},
}

var resetFolder string

var resetCmd = &cobra.Command{
	Use:   "reset-history",
	Short: "Clear the episode journal",
	Long: `Clears the journal of finished episodes. The journal is diagnostic
only: clearing it never causes a file to be picked up or processed again.`,
	Run: func(cmd *cobra.Command, args []string) {
		dsn, _ := journalDSN()
		jnl, err := journal.Open(dsn)
		if err != nil {
			fmt.Printf("Failed to open journal: %v\n", err)
			return
		}
		defer jnl.Close()

		if resetFolder != "" {
			fmt.Printf("Clearing history for folder: %s\n", resetFolder)
		} else {
			fmt.Println("Clearing ENTIRE episode history.")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := jnl.Reset(ctx, resetFolder); err != nil {
			fmt.Printf("Failed to reset journal: %v\n", err)
			return
		}
		fmt.Println("Journal reset complete.")
	},
}

func init() {
	historyCmd.Flags().StringVarP(&historyFolder, "folder", "f", "", "Only show episodes for this folder")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of entries to show")
	resetCmd.Flags().StringVarP(&resetFolder, "folder", "f", "", "Only clear episodes for this folder")
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(resetCmd)
}
