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
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and probe every store",
	Long: `Loads the configuration, validates it, and dials every folder's store
to list its incoming directory. Exits non-zero when anything fails, so it
is safe to run from deployment scripts before restarting the service.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Printf("❌ %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Config OK: %s (%d folders)\n", viper.ConfigFileUsed(), len(cfg.Folders))

		failed := false
		for _, f := range cfg.Folders {
			if err := verifyStore(cfg, f); err != nil {
				fmt.Printf("❌ %s: %v\n", f.Name, err)
				failed = true
				continue
			}
			fmt.Printf("✅ %s\n", f.Name)
		}
		if failed {
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
