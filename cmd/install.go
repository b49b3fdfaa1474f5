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
	"os/exec"
	"time"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const serviceName = "HotfoldAgent"

// program implements the service.Interface
type program struct{}

func (p *program) Start(s service.Service) error {
	go RunAgent()
	return nil
}

func (p *program) Stop(s service.Service) error {
	agentMu.Lock()
	stop, done := agentStop, agentDone
	agentMu.Unlock()
	if stop == nil {
		return nil
	}
	stop()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		// An episode can legitimately outlive the SCM's patience; the
		// process exits anyway once we return.
	}
	return nil
}

func getService(configPath string) (service.Service, error) {
	args := []string{"run"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}

	svcConfig := &service.Config{
		Name:        serviceName,
		DisplayName: "Hotfold Workflow Agent",
		Description: "Polls configured hot folders and routes stable files through processing pipelines.",
		Arguments:   args,
	}

	prg := &program{}
	return service.New(prg, svcConfig)
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the Hotfold Agent as a system service",
	Run: func(cmd *cobra.Command, args []string) {
		// Find current config file to pass to the service
		configPath := viper.ConfigFileUsed()
		if configPath == "" {
			fmt.Println("Error: No config file found. Please run 'hotfold folder add' first.")
			return
		}

		s, err := getService(configPath)
		if err != nil {
			fmt.Printf("Setup failed: %v\n", err)
			return
		}

		// Check if already installed
		status, err := s.Status()
		if err == nil {
			fmt.Println("Hotfold Agent is already installed.")
			if status == service.StatusRunning {
				fmt.Println("Service is currently RUNNING.")
			} else {
				fmt.Println("Service is currently STOPPED.")
			}
			fmt.Println("Use 'hotfold restart' to apply config changes, or 'hotfold uninstall' to remove it.")
			return
		}

		fmt.Println("Installing Hotfold Agent Service...")
		if err := s.Install(); err != nil {
			fmt.Printf("Failed to install: %v\n", err)
			fmt.Println("Hint: Ensure you are running with administrative privileges.")
			return
		}
		fmt.Println("Service installed successfully.")

		fmt.Println("Starting service...")
		if err := s.Start(); err != nil {
			fmt.Printf("Failed to start: %v\n", err)
			return
		}
		fmt.Println("Service started.")
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the Hotfold Agent Service",
	Run: func(cmd *cobra.Command, args []string) {
		s, err := service.New(&program{}, &service.Config{Name: serviceName})
		if err != nil {
			fmt.Println(err)
			return
		}

		if err := s.Stop(); err != nil {
			// Ignore stop errors, it might not be running
		}

		if err := s.Uninstall(); err != nil {
			fmt.Printf("Failed to uninstall: %v\n", err)
			return
		}
		fmt.Println("Service uninstalled.")
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the Hotfold Agent Service",
	Run: func(cmd *cobra.Command, args []string) {
		s, err := service.New(&program{}, &service.Config{Name: serviceName})
		if err != nil {
			fmt.Println(err)
			return
		}

		fmt.Println("Restarting Hotfold Agent Service...")
		if err := s.Restart(); err != nil {
			fmt.Printf("Failed to restart: %v\n", err)
			return
		}
		fmt.Println("Service restarted.")
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the Hotfold Agent Service",
	Run: func(cmd *cobra.Command, args []string) {
		s, err := service.New(&program{}, &service.Config{Name: serviceName})
		if err != nil {
			fmt.Println(err)
			return
		}

		fmt.Println("Stopping Hotfold Agent Service...")
		if err := s.Stop(); err != nil {
			fmt.Printf("Failed to stop: %v\n", err)
			return
		}
		fmt.Println("Service stopped.")
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Hotfold Agent Service",
	Run: func(cmd *cobra.Command, args []string) {
		s, err := service.New(&program{}, &service.Config{Name: serviceName})
		if err != nil {
			fmt.Println(err)
			return
		}

		fmt.Println("Starting Hotfold Agent Service...")
		if err := s.Start(); err != nil {
			fmt.Printf("Failed to start: %v\n", err)
			return
		}
		fmt.Println("Service started.")
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the status of the Hotfold Agent Service",
	Run: func(cmd *cobra.Command, args []string) {
		s, err := service.New(&program{}, &service.Config{Name: serviceName})
		if err != nil {
			fmt.Println(err)
			return
		}

		status, err := s.Status()
		if err != nil {
			fmt.Printf("Could not get status: %v\n", err)
			return
		}

		statusStr := "Unknown"
		switch status {
		case service.StatusRunning:
			statusStr = "Running"
		case service.StatusStopped:
			statusStr = "Stopped"
		}

		fmt.Printf("Hotfold Agent Service Status: %s\n", statusStr)
	},
}

var enableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Enable the Hotfold Agent to start automatically with Windows",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("Enabling Hotfold Agent Service (Automatic Start)...")
		// We use standard Windows 'sc' command to set start type
		cmdExec := exec.Command("sc", "config", serviceName, "start=", "auto")
		if err := cmdExec.Run(); err != nil {
			fmt.Printf("Failed to enable: %v\n", err)
			return
		}
		fmt.Println("Service enabled for automatic start.")
	},
}

var disableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Disable the Hotfold Agent from starting with Windows",
	Run: func(cmd *cobra.Command, args []string) {
		s, err := service.New(&program{}, &service.Config{Name: serviceName})
		if err != nil {
			fmt.Println(err)
			return
		}

		fmt.Println("Stopping Hotfold Agent Service...")
		s.Stop()

		fmt.Println("Disabling Hotfold Agent Service (Manual Start Only)...")
		cmdExec := exec.Command("sc", "config", serviceName, "start=", "demand")
		if err := cmdExec.Run(); err != nil {
			fmt.Printf("Failed to disable: %v\n", err)
			return
		}
		fmt.Println("Service disabled.")
	},
}

func init() {
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(enableCmd)
	rootCmd.AddCommand(disableCmd)
}
